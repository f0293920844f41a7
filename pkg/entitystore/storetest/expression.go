package storetest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// The fake evaluates only the expression grammar the entity store emits:
//
//	conditions:  attribute_exists(#n) | attribute_not_exists(#n) |
//	             #n = :v | #n < :v | clause AND clause | (clause)
//	updates:     SET #n = :v | #n = #n + :v |
//	             #n = if_not_exists(#n, :z) + :v
//	key conds:   #pk = :pk [AND begins_with(#sk, :prefix)]
//
// Anything else is an explicit error so a test never passes by accident.

func evalCondition(expr string, names map[string]string, values map[string]types.AttributeValue, stored item) (bool, error) {
	for _, clause := range splitTop(expr, " AND ") {
		ok, err := evalClause(strings.TrimSpace(clause), names, values, stored)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evalClause(clause string, names map[string]string, values map[string]types.AttributeValue, stored item) (bool, error) {
	if strings.HasPrefix(clause, "(") && strings.HasSuffix(clause, ")") && balanced(clause[1:len(clause)-1]) {
		return evalCondition(clause[1:len(clause)-1], names, values, stored)
	}

	if arg, ok := callArg(clause, "attribute_not_exists"); ok {
		if stored == nil {
			return true, nil
		}
		_, present := stored[resolveName(arg, names)]
		return !present, nil
	}
	if arg, ok := callArg(clause, "attribute_exists"); ok {
		if stored == nil {
			return false, nil
		}
		_, present := stored[resolveName(arg, names)]
		return present, nil
	}

	for _, op := range []string{"<=", ">=", "<", ">", "="} {
		left, right, found := strings.Cut(clause, " "+op+" ")
		if !found {
			continue
		}
		if stored == nil {
			return false, nil
		}
		current, ok := stored[resolveName(strings.TrimSpace(left), names)]
		if !ok {
			return false, nil
		}
		want, ok := values[strings.TrimSpace(right)]
		if !ok {
			return false, fmt.Errorf("storetest: unbound value %s in condition %q", right, clause)
		}
		if op == "=" {
			return valuesEqual(current, want), nil
		}
		a, aok := numericValue(current)
		b, bok := numericValue(want)
		if !aok || !bok {
			return false, fmt.Errorf("storetest: non-numeric comparison in %q", clause)
		}
		switch op {
		case "<":
			return a < b, nil
		case "<=":
			return a <= b, nil
		case ">":
			return a > b, nil
		case ">=":
			return a >= b, nil
		}
	}

	return false, fmt.Errorf("storetest: unsupported condition %q", clause)
}

func applyUpdate(target item, expr string, names map[string]string, values map[string]types.AttributeValue) error {
	body, ok := strings.CutPrefix(expr, "SET ")
	if !ok {
		return fmt.Errorf("storetest: unsupported update expression %q", expr)
	}

	for _, assignment := range splitTop(body, ", ") {
		left, right, found := strings.Cut(assignment, " = ")
		if !found {
			return fmt.Errorf("storetest: unsupported assignment %q", assignment)
		}
		attr := resolveName(strings.TrimSpace(left), names)

		value, err := evalOperand(strings.TrimSpace(right), attr, names, values, target)
		if err != nil {
			return err
		}
		target[attr] = value
	}
	return nil
}

func evalOperand(operand, attr string, names map[string]string, values map[string]types.AttributeValue, target item) (types.AttributeValue, error) {
	// additions: "<term> + :v"
	if left, right, found := strings.Cut(operand, " + "); found {
		base, err := evalTerm(strings.TrimSpace(left), names, values, target)
		if err != nil {
			return nil, err
		}
		delta, ok := values[strings.TrimSpace(right)]
		if !ok {
			return nil, fmt.Errorf("storetest: unbound value %s in %q", right, operand)
		}
		a, aok := numericValue(base)
		b, bok := numericValue(delta)
		if !aok || !bok {
			return nil, fmt.Errorf("storetest: non-numeric addition in %q (attribute %s)", operand, attr)
		}
		return &types.AttributeValueMemberN{Value: formatNumber(a + b)}, nil
	}
	return evalTerm(operand, names, values, target)
}

func evalTerm(term string, names map[string]string, values map[string]types.AttributeValue, target item) (types.AttributeValue, error) {
	if args, ok := callArgs(term, "if_not_exists"); ok {
		if len(args) != 2 {
			return nil, fmt.Errorf("storetest: if_not_exists wants 2 args in %q", term)
		}
		if current, present := target[resolveName(args[0], names)]; present {
			return current, nil
		}
		fallback, ok := values[args[1]]
		if !ok {
			return nil, fmt.Errorf("storetest: unbound value %s in %q", args[1], term)
		}
		return fallback, nil
	}
	if strings.HasPrefix(term, ":") {
		value, ok := values[term]
		if !ok {
			return nil, fmt.Errorf("storetest: unbound value %s", term)
		}
		return value, nil
	}
	if strings.HasPrefix(term, "#") {
		current, ok := target[resolveName(term, names)]
		if !ok {
			return nil, fmt.Errorf("storetest: attribute %s missing for %q", term, term)
		}
		return current, nil
	}
	return nil, fmt.Errorf("storetest: unsupported term %q", term)
}

func parseKeyCondition(expr string, names map[string]string, values map[string]types.AttributeValue) (pk, skPrefix string, err error) {
	for _, clause := range splitTop(expr, " AND ") {
		clause = strings.TrimSpace(clause)

		if args, ok := callArgs(clause, "begins_with"); ok {
			if len(args) != 2 {
				return "", "", fmt.Errorf("storetest: begins_with wants 2 args in %q", clause)
			}
			prefix, ok := values[args[1]].(*types.AttributeValueMemberS)
			if !ok {
				return "", "", fmt.Errorf("storetest: unbound prefix %s", args[1])
			}
			skPrefix = prefix.Value
			continue
		}

		left, right, found := strings.Cut(clause, " = ")
		if !found {
			return "", "", fmt.Errorf("storetest: unsupported key condition %q", clause)
		}
		if resolveName(strings.TrimSpace(left), names) != "pk" {
			return "", "", fmt.Errorf("storetest: key condition must target pk, got %q", clause)
		}
		value, ok := values[strings.TrimSpace(right)].(*types.AttributeValueMemberS)
		if !ok {
			return "", "", fmt.Errorf("storetest: unbound partition key %s", right)
		}
		pk = value.Value
	}
	if pk == "" {
		return "", "", fmt.Errorf("storetest: key condition %q has no partition clause", expr)
	}
	return pk, skPrefix, nil
}

// splitTop splits on sep outside parentheses.
func splitTop(s, sep string) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i+len(sep) <= len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		}
		if depth == 0 && s[i:i+len(sep)] == sep {
			out = append(out, s[start:i])
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	return append(out, s[start:])
}

func callArg(s, fn string) (string, bool) {
	args, ok := callArgs(s, fn)
	if !ok || len(args) != 1 {
		return "", ok && len(args) == 1
	}
	return args[0], true
}

func callArgs(s, fn string) ([]string, bool) {
	if !strings.HasPrefix(s, fn+"(") || !strings.HasSuffix(s, ")") {
		return nil, false
	}
	body := s[len(fn)+1 : len(s)-1]
	parts := strings.Split(body, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts, true
}

func balanced(s string) bool {
	depth := 0
	for _, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
