package engine

import (
	"time"

	"github.com/orgdeploy-io/orgdeploy/internal/model"
)

// ValidateCommonConfig checks the cross-cutting module configuration
// fields consumed by the core: AssumeRole, Retry and EndpointUrls.
func ValidateCommonConfig(cfg map[string]any) error {
	if v, ok := cfg["AssumeRole"]; ok && v != nil {
		if _, ok := v.(string); !ok {
			return model.E(model.KindValidation, "AssumeRole must be null or a string")
		}
	}
	if v, ok := cfg["Retry"]; ok {
		retry, ok := v.(map[string]any)
		if !ok {
			return model.E(model.KindValidation, "Retry must be a map")
		}
		if mv, ok := retry["MaxAttempts"]; ok {
			n, ok := AsInt(mv)
			if !ok {
				return model.E(model.KindValidation, "MaxAttempts must be an integer")
			}
			if n < 1 {
				return model.E(model.KindValidation, "MaxAttempts must be larger than 0")
			}
		}
		if dv, ok := retry["DelayBeforeRetrying"]; ok {
			n, ok := AsInt(dv)
			if !ok {
				return model.E(model.KindValidation, "DelayBeforeRetrying must be an integer")
			}
			if n < 0 {
				return model.E(model.KindValidation, "DelayBeforeRetrying must be larger than or equal to 0")
			}
		}
	}
	if v, ok := cfg["EndpointUrls"]; ok {
		if _, ok := v.(map[string]any); !ok {
			return model.E(model.KindValidation, "EndpointUrls must be a map")
		}
	}
	return nil
}

// AsInt coerces the numeric scalar types produced by YAML and JSON
// decoding to an int.
func AsInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

// AssumeRoleArn returns the configured AssumeRole, if any.
func AssumeRoleArn(cfg map[string]any) string {
	if v, ok := cfg["AssumeRole"].(string); ok {
		return v
	}
	return ""
}

// RetryPolicy extracts the retry parameters from a module
// configuration. Defaults are a single attempt with no delay.
func RetryPolicy(cfg map[string]any) (maxAttempts int, delay time.Duration) {
	maxAttempts = 1
	retry, ok := cfg["Retry"].(map[string]any)
	if !ok {
		return maxAttempts, 0
	}
	if n, ok := AsInt(retry["MaxAttempts"]); ok && n > 0 {
		maxAttempts = n
	}
	if n, ok := AsInt(retry["DelayBeforeRetrying"]); ok && n > 0 {
		delay = time.Duration(n) * time.Second
	}
	return maxAttempts, delay
}

// EndpointUrls returns the opaque per-service endpoint overrides.
func EndpointUrls(cfg map[string]any) map[string]string {
	raw, ok := cfg["EndpointUrls"].(map[string]any)
	if !ok {
		return nil
	}
	urls := make(map[string]string, len(raw))
	for service, v := range raw {
		if url, ok := v.(string); ok {
			urls[service] = url
		}
	}
	return urls
}
