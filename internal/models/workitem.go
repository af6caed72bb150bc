package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Durable queue channels.
const (
	ChannelModuleBuild   = "module-build"
	ChannelInstanceBuild = "instance-build"
	ChannelActivation    = "activation"
)

// Channels lists every durable channel in dispatch order.
var Channels = []string{ChannelModuleBuild, ChannelInstanceBuild, ChannelActivation}

// WorkItem is a queue payload with a schema that can be checked at the boundary.
type WorkItem interface {
	Validate() error
}

// ModuleBuildItem asks the module build worker to build and publish a module
// image. Script bytes travel inline.
type ModuleBuildItem struct {
	CorrelationID string `json:"correlation_id"`
	ModuleID      string `json:"module_id"`
	ModuleName    string `json:"module_name"`
	Script        string `json:"script_content"`
	Requirements  string `json:"requirements_content"`
}

func (i ModuleBuildItem) Validate() error {
	switch {
	case i.ModuleID == "":
		return Validationf("module_id is required")
	case i.CorrelationID != i.ModuleID:
		return Validationf("correlation_id must equal module_id")
	case i.Script == "":
		return Validationf("script_content is required")
	}
	return ValidateName("module_name", i.ModuleName)
}

// InstanceBuildItem asks the instance build worker to build an instance image
// on top of its module image. The instance script is fetched by reference.
type InstanceBuildItem struct {
	CorrelationID string `json:"correlation_id"`
	InstanceID    string `json:"instance_id"`
	InstanceName  string `json:"instance_name"`
	ModuleName    string `json:"module_name"`
	RepositoryURL string `json:"repository_url"`
	ScriptPath    string `json:"file_name"`
}

func (i InstanceBuildItem) Validate() error {
	switch {
	case i.InstanceID == "":
		return Validationf("instance_id is required")
	case i.CorrelationID != i.InstanceID:
		return Validationf("correlation_id must equal instance_id")
	case i.RepositoryURL == "":
		return Validationf("repository_url is required")
	case i.ScriptPath == "":
		return Validationf("file_name is required")
	}
	if err := ValidateName("instance_name", i.InstanceName); err != nil {
		return err
	}
	return ValidateName("module_name", i.ModuleName)
}

// ActivationItem asks the activation worker to cold-start an instance container.
type ActivationItem struct {
	CorrelationID string `json:"correlation_id"`
	InstanceID    string `json:"instance_id"`
	InstanceName  string `json:"instance_name"`
}

func (i ActivationItem) Validate() error {
	switch {
	case i.InstanceID == "":
		return Validationf("instance_id is required")
	case i.CorrelationID != i.InstanceID:
		return Validationf("correlation_id must equal instance_id")
	}
	return ValidateName("instance_name", i.InstanceName)
}

// ActivationClaimKey dedups pending cold starts per instance.
func ActivationClaimKey(instanceID string) string {
	return "activation:pending:" + instanceID
}

// InstanceLockKey serializes access to an instance's exchange directory.
func InstanceLockKey(instanceName string) string {
	return "activation:lock:" + instanceName
}

// DecodeItem strictly decodes a queue payload and validates it.
func DecodeItem(data []byte, item WorkItem) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(item); err != nil {
		return Validationf("malformed work item: %v", err)
	}
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid work item: %w", err)
	}
	return nil
}
