package config

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Assignment pairs a job with the branch or tag to build.
type Assignment struct {
	Job string `json:"job"`
	Ref string `json:"ref"`
}

// Assignments is an ordered job→ref mapping. Sequential deployments run in
// this order, so it is decoded from the YAML node tree rather than a Go map.
type Assignments []Assignment

// Set adds or replaces the ref for job. A replaced job keeps its original
// position.
func (a *Assignments) Set(job, ref string) {
	for i := range *a {
		if (*a)[i].Job == job {
			(*a)[i].Ref = ref
			return
		}
	}
	*a = append(*a, Assignment{Job: job, Ref: ref})
}

// Map returns the assignments as an unordered map.
func (a Assignments) Map() map[string]string {
	m := make(map[string]string, len(a))
	for _, as := range a {
		m[as.Job] = as.Ref
	}
	return m
}

func (a *Assignments) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*a = nil
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of job: ref", node.Line)
	}

	out := Assignments{}
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if k.Kind != yaml.ScalarNode || v.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: job and ref must be scalars", k.Line)
		}
		out.Set(k.Value, v.Value)
	}
	*a = out
	return nil
}

// UnmarshalJSON accepts either [{"job":..,"ref":..}] (ordered) or a plain
// {"job":"ref"} object.
func (a *Assignments) UnmarshalJSON(data []byte) error {
	var list []Assignment
	if err := json.Unmarshal(data, &list); err == nil {
		out := Assignments{}
		for _, as := range list {
			out.Set(as.Job, as.Ref)
		}
		*a = out
		return nil
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("services must be a list of {job, ref} or an object of job: ref")
	}
	out := Assignments{}
	for job, ref := range m {
		out.Set(job, ref)
	}
	*a = out
	return nil
}
