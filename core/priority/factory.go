package priority

import "github.com/kilianp07/serverqueue/core/factory"

var policyRegistry = factory.NewRegistry[Policy]()

func init() {
	_ = RegisterPolicy("fifo", func(map[string]any) (Policy, error) {
		return FIFO{}, nil
	})
	_ = RegisterPolicy("weighted", func(conf map[string]any) (Policy, error) {
		var c struct {
			Default int            `json:"default"`
			Weights map[string]int `json:"weights"`
		}
		if err := factory.Decode(conf, &c); err != nil {
			return nil, err
		}
		return NewWeighted(NewStaticSource(c.Weights, c.Default)), nil
	})
}

// RegisterPolicy makes a named policy available to configuration.
func RegisterPolicy(name string, f factory.Factory[Policy]) error {
	return policyRegistry.Register(name, f)
}

// NewPolicy builds the policy described by cfg. An empty type selects FIFO.
func NewPolicy(cfg factory.ModuleConfig) (Policy, error) {
	if cfg.Type == "" {
		return FIFO{}, nil
	}
	return policyRegistry.Create(cfg)
}
