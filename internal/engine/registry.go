package engine

import "sort"

var registry = map[string]func() Engine{}

// Register makes an engine constructor available under a name. The name
// doubles as the first directory level under the package root.
func Register(name string, factory func() Engine) {
	registry[name] = factory
}

// All instantiates every registered engine keyed by name.
func All() map[string]Engine {
	engines := make(map[string]Engine, len(registry))
	for name, factory := range registry {
		engines[name] = factory()
	}
	return engines
}

// Names returns the registered engine names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("terraform", func() Engine { return &Terraform{} })
	Register("script", func() Engine { return &Script{} })
}
