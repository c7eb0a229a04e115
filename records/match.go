package records

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Criteria is a mongo-like filter: field equality, $and, $or and the
// comparison operators $lt, $gt, $lte, $gte, $ne, $in.
type Criteria map[string]any

// Match reports whether the record satisfies every condition in the criteria
func Match(r Record, criteria Criteria) bool {
	for key, cond := range criteria {
		switch key {
		case "$and":
			for _, sub := range subCriteria(cond) {
				if !Match(r, sub) {
					return false
				}
			}
		case "$or":
			subs := subCriteria(cond)
			if len(subs) == 0 {
				continue
			}
			matched := false
			for _, sub := range subs {
				if Match(r, sub) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		default:
			if !matchField(r[key], cond) {
				return false
			}
		}
	}
	return true
}

// Keys lists every key used at any depth, operators included
func (c Criteria) Keys() []string {
	result := []string{}
	for key, cond := range c {
		result = append(result, key)
		switch key {
		case "$and", "$or":
			for _, sub := range subCriteria(cond) {
				result = append(result, sub.Keys()...)
			}
		default:
			if ops, ok := asMap(cond); ok {
				for op := range ops {
					result = append(result, op)
				}
			}
		}
	}
	return result
}

func subCriteria(v any) []Criteria {
	list, ok := v.([]any)
	if !ok {
		if typed, ok := v.([]Criteria); ok {
			return typed
		}
		if typed, ok := v.([]map[string]any); ok {
			result := make([]Criteria, 0, len(typed))
			for _, m := range typed {
				result = append(result, m)
			}
			return result
		}
		return nil
	}
	result := make([]Criteria, 0, len(list))
	for _, item := range list {
		if m, ok := asMap(item); ok {
			result = append(result, m)
		}
	}
	return result
}

func asMap(v any) (Criteria, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Criteria:
		return m, true
	case Record:
		return Criteria(m), true
	}
	return nil, false
}

func matchField(value, cond any) bool {
	ops, ok := asMap(cond)
	if !ok || !isOperatorMap(ops) {
		return equals(value, cond)
	}
	for op, operand := range ops {
		switch op {
		case "$lt":
			if c, ok := compare(value, operand); !ok || c >= 0 {
				return false
			}
		case "$lte":
			if c, ok := compare(value, operand); !ok || c > 0 {
				return false
			}
		case "$gt":
			if c, ok := compare(value, operand); !ok || c <= 0 {
				return false
			}
		case "$gte":
			if c, ok := compare(value, operand); !ok || c < 0 {
				return false
			}
		case "$ne":
			if equals(value, operand) {
				return false
			}
		case "$in":
			list, _ := operand.([]any)
			found := false
			for _, item := range list {
				if equals(value, item) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func isOperatorMap(m Criteria) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if len(k) == 0 || k[0] != '$' {
			return false
		}
	}
	return true
}

// equals treats a list value as matching when any element matches
func equals(value, cond any) bool {
	if list, ok := value.([]any); ok {
		if _, condIsList := cond.([]any); !condIsList {
			for _, item := range list {
				if equals(item, cond) {
					return true
				}
			}
			return false
		}
	}
	if a, ok := toFloat(value); ok {
		if b, ok := toFloat(cond); ok {
			return a == b
		}
	}
	return reflect.DeepEqual(value, cond)
}

func compare(a, b any) (int, bool) {
	if x, ok := toFloat(a); ok {
		if y, ok := toFloat(b); ok {
			switch {
			case x < y:
				return -1, true
			case x > y:
				return 1, true
			}
			return 0, true
		}
		return 0, false
	}
	x, ok1 := a.(string)
	y, ok2 := b.(string)
	if !ok1 || !ok2 {
		return 0, false
	}
	switch {
	case x < y:
		return -1, true
	case x > y:
		return 1, true
	}
	return 0, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func (c Criteria) String() string {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Sprint(map[string]any(c))
	}
	return string(raw)
}
