// Package factory provides the small generic registry used to build
// pluggable modules (priority policies, metrics sinks) from configuration.
// A module is described by a type name and a map of raw settings; each
// factory decodes the settings into its own struct.
//
//	reg := factory.NewRegistry[priority.Policy]()
//	_ = reg.Register("weighted", func(conf map[string]any) (priority.Policy, error) {
//	    var c struct{ Default int `json:"default"` }
//	    if err := factory.Decode(conf, &c); err != nil {
//	        return nil, err
//	    }
//	    return priority.NewWeighted(priority.NewStaticSource(nil, c.Default)), nil
//	})
//	p, err := reg.Create(factory.ModuleConfig{Type: "weighted"})
package factory
