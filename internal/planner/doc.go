// Package planner decides how an export is split up and how many worker
// processes render it.
//
// Every threshold lives in [Policy]. The scheduling code reads the policy
// and nothing else, so allocation behaviour can be audited and tested by
// looking at one table. [DefaultPolicy] holds the shipped values;
// [LoadPolicy] overlays a YAML file on top of them.
package planner
