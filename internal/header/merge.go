package header

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Rule is the reduction applied to a keyword when child headers are merged
type Rule int

const (
	// RuleEqual requires every child that carries the keyword to agree
	RuleEqual Rule = iota
	RuleMin
	RuleMax
	RuleSum
	// RuleUnion keeps the sorted distinct values, joined with ";"
	RuleUnion
	// RuleConcat keeps every value in member order
	RuleConcat
	RuleDrop
)

var rules = map[string]Rule{
	"EXPSTART": RuleMin,
	"DATE-OBS": RuleMin,
	"EXPEND":   RuleMax,
	"EXPTIME":  RuleSum,
	"NCOMBINE": RuleSum,
	"FILTER":   RuleUnion,
	"TARGNAME": RuleUnion,
	"APERTURE": RuleUnion,
	"HISTORY":  RuleConcat,
	"ROOTNAME": RuleConcat,
	"FILENAME": RuleDrop,
	"DATE":     RuleDrop,
	// recomputed from the merged footprint
	"S_REGION": RuleDrop,
}

// RuleFor returns the merge rule of a keyword
func RuleFor(key string) Rule {
	return rules[strings.ToUpper(key)]
}

// ConflictError reports a keyword whose children disagree
type ConflictError struct {
	Key    string
	Values []any
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting values for keyword %s: %v", e.Key, e.Values)
}

// Merge combines child headers into a parent header. It is a pure function
// of its inputs. Keywords appear in first-appearance order across children.
// NCOMBINE counts a child without the keyword as one. Every conflicting
// keyword is reported, joined into one error.
func Merge(children ...*Header) (*Header, error) {
	out := New()
	if len(children) == 0 {
		return out, nil
	}

	var order []string
	values := make(map[string][]any)
	comments := make(map[string]string)
	for _, h := range children {
		for _, c := range h.Cards() {
			if _, seen := values[c.Key]; !seen {
				order = append(order, c.Key)
			}
			values[c.Key] = append(values[c.Key], c.Value)
			if comments[c.Key] == "" {
				comments[c.Key] = c.Comment
			}
		}
	}

	if _, ok := values["NCOMBINE"]; !ok {
		order = append(order, "NCOMBINE")
	}
	values["NCOMBINE"] = ncombine(children)

	var errs []error
	for _, key := range order {
		rule := RuleFor(key)
		if rule == RuleDrop {
			continue
		}
		v, err := reduce(rule, values[key])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if v == nil {
			errs = append(errs, &ConflictError{Key: key, Values: values[key]})
			continue
		}
		out.Set(key, v, comments[key])
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func ncombine(children []*Header) []any {
	out := make([]any, len(children))
	for i, h := range children {
		if v, ok := h.Get("NCOMBINE"); ok {
			out[i] = v
		} else {
			out[i] = int64(1)
		}
	}
	return out
}

// reduce returns nil for an equality conflict
func reduce(rule Rule, vals []any) (any, error) {
	switch rule {
	case RuleMin, RuleMax:
		best := vals[0]
		for _, v := range vals[1:] {
			c, err := compare(v, best)
			if err != nil {
				return nil, err
			}
			if (rule == RuleMin && c < 0) || (rule == RuleMax && c > 0) {
				best = v
			}
		}
		return best, nil

	case RuleSum:
		var fsum float64
		var isum int64
		allInt := true
		for _, v := range vals {
			switch n := v.(type) {
			case int64:
				isum += n
				fsum += float64(n)
			case float64:
				allInt = false
				fsum += n
			default:
				return nil, fmt.Errorf("cannot sum %T value %v", v, v)
			}
		}
		if allInt {
			return isum, nil
		}
		return fsum, nil

	case RuleUnion:
		var set []string
		for _, v := range vals {
			for _, s := range split(v) {
				if s != "" && !slices.Contains(set, s) {
					set = append(set, s)
				}
			}
		}
		slices.Sort(set)
		return strings.Join(set, ";"), nil

	case RuleConcat:
		var list []string
		for _, v := range vals {
			switch s := v.(type) {
			case []string:
				list = append(list, s...)
			default:
				list = append(list, fmt.Sprint(s))
			}
		}
		return list, nil

	default:
		for _, v := range vals[1:] {
			if !equal(vals[0], v) {
				return nil, nil
			}
		}
		return vals[0], nil
	}
}

func split(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case string:
		return strings.Split(s, ";")
	default:
		return []string{fmt.Sprint(v)}
	}
}

func compare(a, b any) (int, error) {
	if af, ok := numeric(a); ok {
		bf, ok := numeric(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		}
		return 0, nil
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, fmt.Errorf("cannot compare %T with %T", a, b)
	}
	return strings.Compare(as, bs), nil
}
