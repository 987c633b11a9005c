package scenarios

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kilianp07/serverqueue/core/model"
)

// ClientDef is a client joining a queue, in join order.
type ClientDef struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name,omitempty"`
	Destination string `yaml:"destination"`
}

func (c ClientDef) ToModel() model.Client {
	return model.Client{ID: model.ClientID(c.ID), Name: c.Name}
}

// Expected holds the checks run after the last tick.
type Expected struct {
	Dispatched int                 `yaml:"dispatched"`
	Dropped    int                 `yaml:"dropped"`
	Evicted    int                 `yaml:"evicted"`
	Servers    map[string][]string `yaml:"servers,omitempty"`
	Waiting    map[string][]string `yaml:"waiting,omitempty"`
}

// Scenario drives a simulated fleet through a number of scheduler ticks.
// Connected places clients on servers before the first tick.
type Scenario struct {
	Name              string              `yaml:"name"`
	Description       string              `yaml:"description,omitempty"`
	Servers           []string            `yaml:"servers"`
	Capacity          int                 `yaml:"capacity"`
	Connected         map[string][]string `yaml:"connected,omitempty"`
	Weights           map[string]int      `yaml:"weights,omitempty"`
	MakeRoomThreshold int                 `yaml:"make_room_threshold,omitempty"`
	MaxRetries        int                 `yaml:"max_retries,omitempty"`
	Paused            []string            `yaml:"paused,omitempty"`
	Clients           []ClientDef         `yaml:"clients"`
	FailClients       []string            `yaml:"fail_clients,omitempty"`
	Ticks             int                 `yaml:"ticks"`
	Expected          Expected            `yaml:"expected"`
}

func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, err
	}
	if len(sc.Servers) == 0 {
		return nil, fmt.Errorf("scenario %s: no servers", path)
	}
	if sc.Ticks <= 0 {
		sc.Ticks = len(sc.Clients) * 2
	}
	return &sc, nil
}
