package expand

import (
	"regexp"

	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

var keywordPattern = regexp.MustCompile(`\$\{[A-Z0-9_]+\}`)

// SubstituteString replaces ${CURRENT_ACCOUNT_ID} and ${CURRENT_REGION}
// in one string. Any other ${...} keyword is a validation error.
func SubstituteString(s, accountID, region string) (string, error) {
	var substErr error
	out := keywordPattern.ReplaceAllStringFunc(s, func(keyword string) string {
		switch keyword {
		case "${CURRENT_ACCOUNT_ID}":
			return accountID
		case "${CURRENT_REGION}":
			return region
		}
		if substErr == nil {
			substErr = model.E(model.KindValidation, "unrecognized keyword %s", keyword)
		}
		return keyword
	})
	return out, substErr
}

// Substitute replaces the current-deployment keywords recursively
// through strings, maps and slices, returning a new value.
func Substitute(v any, accountID, region string) (any, error) {
	switch val := v.(type) {
	case string:
		return SubstituteString(val, accountID, region)
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, item := range val {
			sub, err := Substitute(item, accountID, region)
			if err != nil {
				return nil, err
			}
			out[key] = sub
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			sub, err := Substitute(item, accountID, region)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	default:
		return v, nil
	}
}

// SubstituteVariables substitutes keywords across a variable map.
func SubstituteVariables(vars map[string]any, accountID, region string) (map[string]any, error) {
	out := make(map[string]any, len(vars))
	for name, v := range vars {
		sub, err := Substitute(v, accountID, region)
		if err != nil {
			return nil, err
		}
		out[name] = sub
	}
	return out, nil
}

func substituteReference(ref model.Reference, accountID, region string) (model.Reference, error) {
	var err error
	if ref.Module, err = SubstituteString(ref.Module, accountID, region); err != nil {
		return ref, err
	}
	if ref.AccountID, err = SubstituteString(ref.AccountID, accountID, region); err != nil {
		return ref, err
	}
	ref.Region, err = SubstituteString(ref.Region, accountID, region)
	return ref, err
}

func substituteOutputRef(ref model.OutputRef, accountID, region string) (model.OutputRef, error) {
	var err error
	if ref.Module, err = SubstituteString(ref.Module, accountID, region); err != nil {
		return ref, err
	}
	if ref.AccountID, err = SubstituteString(ref.AccountID, accountID, region); err != nil {
		return ref, err
	}
	if ref.Region, err = SubstituteString(ref.Region, accountID, region); err != nil {
		return ref, err
	}
	ref.OutputName, err = SubstituteString(ref.OutputName, accountID, region)
	return ref, err
}
