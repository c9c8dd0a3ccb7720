// Component M's CLI entrypoint reads a small YAML manifest describing the
// instances to provision, grounded on the teacher's internal/spec/function.go
// yaml.v3-tagged manifest parser, generalized from a function manifest to an
// instance-batch manifest.
package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/oriys/stratus/internal/domain"
)

// manifestInstance is one instance entry in the batch manifest.
type manifestInstance struct {
	ID              string         `yaml:"id"`
	JobName         string         `yaml:"job_name"`
	Index           int            `yaml:"index"`
	StemcellName    string         `yaml:"stemcell_name"`
	StemcellCID     string         `yaml:"stemcell_cid"`
	CloudProperties map[string]any `yaml:"cloud_properties"`
	Env             map[string]any `yaml:"env"`
	TrustedCerts    string         `yaml:"trusted_certs"`
	NetworkName     string         `yaml:"network_name"`
	IP              string         `yaml:"ip"`
	Disks           []string       `yaml:"disks"`
}

// manifest is the top-level batch document.
type manifest struct {
	DeploymentName string             `yaml:"deployment_name"`
	DeploymentID   string             `yaml:"deployment_id"`
	Instances      []manifestInstance `yaml:"instances"`
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if len(m.Instances) == 0 {
		return nil, fmt.Errorf("manifest %s declares no instances", path)
	}
	return &m, nil
}

// buildPlans turns a manifest into the plans and per-plan disk lists
// CreateForInstancePlans expects. Every instance is treated as newly
// desired: recreate/existing-state diffing is computed upstream by an
// external deployment planner, out of scope per spec.md §1.
func (m *manifest) buildPlans(applySpec domain.ApplySpecFunc) ([]*domain.InstancePlan, [][]string) {
	dep := domain.DeploymentRef{Name: m.DeploymentName, ID: m.DeploymentID}

	plans := make([]*domain.InstancePlan, len(m.Instances))
	disksByPlan := make([][]string, len(m.Instances))

	for i, mi := range m.Instances {
		inst := &domain.Instance{
			Model: &domain.InstanceModel{
				ID:         mi.ID,
				Deployment: dep,
				JobName:    mi.JobName,
				Index:      mi.Index,
			},
			Deployment:       dep,
			Stemcell:         domain.Stemcell{Name: mi.StemcellName, CID: mi.StemcellCID},
			CloudProperties:  mi.CloudProperties,
			Env:              mi.Env,
			TrustedCerts:     mi.TrustedCerts,
			ComputeApplySpec: applySpec,
		}

		var networkPlans []*domain.NetworkPlan
		if mi.NetworkName != "" {
			networkPlans = append(networkPlans, &domain.NetworkPlan{
				Reservation: domain.IPReservation{IP: mi.IP, NetworkName: mi.NetworkName},
			})
		}

		plans[i] = &domain.InstancePlan{Desired: inst, NetworkPlans: networkPlans}
		disksByPlan[i] = mi.Disks
	}
	return plans, disksByPlan
}
