package config

import (
	"fmt"
	"os"

	"github.com/samber/lo"
	"sigs.k8s.io/yaml"

	"github.com/adgo-io/deployer/pkg/model"
)

// tiersFile is the on-disk layout of TIERS_FILE:
//
//	tiers:
//	  - name: frontend
//	  - name: gateway
//	    selector: app.kubernetes.io/component=gateway
//	    scalable: false
type tiersFile struct {
	Tiers []tierEntry `json:"tiers"`
}

type tierEntry struct {
	Name     string `json:"name"`
	Selector string `json:"selector,omitempty"`
	Scalable *bool  `json:"scalable,omitempty"`
}

// BuildTiers turns the ordered tier names into tiers selected by
// "<label>=<name>". Tiers listed in nonScalable keep their image rollout but
// are never scaled.
func BuildTiers(names, nonScalable []string, label string) []model.Tier {
	return lo.Map(names, func(name string, _ int) model.Tier {
		return model.Tier{
			Name:     name,
			Selector: defaultSelector(label, name),
			Scalable: !lo.Contains(nonScalable, name),
		}
	})
}

// LoadTiersFile reads tier definitions from a YAML file. Entries without a
// selector fall back to "<label>=<name>"; scalable defaults to true.
func LoadTiersFile(path, label string) ([]model.Tier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read TIERS_FILE: %w", err)
	}

	var f tiersFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse TIERS_FILE %s: %w", path, err)
	}

	tiers := make([]model.Tier, 0, len(f.Tiers))
	for _, e := range f.Tiers {
		t := model.Tier{
			Name:     e.Name,
			Selector: e.Selector,
			Scalable: e.Scalable == nil || *e.Scalable,
		}
		if t.Selector == "" {
			t.Selector = defaultSelector(label, e.Name)
		}
		tiers = append(tiers, t)
	}
	return tiers, nil
}

func defaultSelector(label, name string) string {
	return label + "=" + name
}
