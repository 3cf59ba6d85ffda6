func solution_add_one(lst []int) []int {
	out := make([]int, 0, len(lst))
	for _, x := range lst {
		out = append(out, x+1)
	}
	return out
}
