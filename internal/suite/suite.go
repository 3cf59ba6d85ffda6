package suite

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/felixgeelhaar/cellgrade/internal/extract"
	"github.com/felixgeelhaar/cellgrade/internal/harness"
)

// Suite is a loaded hidden test module
type Suite struct {
	Path string
	Base string // file name used in test ids
	File *File

	reference extract.Namespace
}

// Name returns the module name
func (s *Suite) Name() string {
	if s.File.Module != "" {
		return s.File.Module
	}
	name := strings.TrimPrefix(s.Base, "test_")
	return strings.TrimSuffix(name, ".yaml")
}

// Exercises returns the exercise names the suite tests, sorted
func (s *Suite) Exercises() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range s.File.Tests {
		ex := exerciseOf(t.Name)
		if !seen[ex] {
			seen[ex] = true
			out = append(out, ex)
		}
	}
	sort.Strings(out)
	return out
}

// Solution returns the reference solution shown to learners for an
// exercise: an explicit entry under solutions, else the declaration of the
// same name in the reference source.
func (s *Suite) Solution(exercise string) string {
	if src, ok := s.File.Solutions[exercise]; ok {
		return src
	}
	if src, ok := extract.FindFunc(s.File.ReferenceSource, exercise); ok {
		return src
	}
	return ""
}

// Collect implements harness.Source: one item per test case, in file order.
func (s *Suite) Collect() ([]*harness.Item, error) {
	var items []*harness.Item
	for _, t := range s.File.Tests {
		var ref reflect.Value
		if t.Reference != "" {
			v, _ := s.reference.Lookup(t.Reference)
			ref = reflect.ValueOf(v)
		}

		for i, c := range t.Cases {
			id := c.ID
			if id == "" {
				id = fmt.Sprintf("%d", i)
			}
			items = append(items, &harness.Item{
				ID:       fmt.Sprintf("%s::%s[%s]", s.Base, t.Name, id),
				Name:     t.Name,
				Fixtures: []string{t.Fixture},
				Args:     c.Args,
				Body:     caseBody(t, c, ref),
			})
		}
	}
	return items, nil
}

// exerciseOf maps test_add_one to add_one
func exerciseOf(testName string) string {
	return strings.TrimPrefix(testName, "test_")
}
