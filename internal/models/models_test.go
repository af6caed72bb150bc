package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleTransitions(t *testing.T) {
	assert.True(t, CanTransitionModule(ModulePending, ModuleQueued))
	assert.True(t, CanTransitionModule(ModuleQueued, ModuleDone))
	assert.True(t, CanTransitionModule(ModuleQueued, ModuleFailed))
	assert.True(t, CanTransitionModule(ModuleDone, ModuleDone))
	assert.True(t, CanTransitionModule(ModuleFailed, ModuleQueued))

	assert.False(t, CanTransitionModule(ModulePending, ModuleDone))
	assert.False(t, CanTransitionModule(ModuleFailed, ModuleDone))
	assert.False(t, CanTransitionModule(ModuleDone, ModuleFailed))
}

func TestInstanceTransitions(t *testing.T) {
	assert.True(t, CanTransitionInstance(InstanceNotStarted, InstanceQueued))
	assert.True(t, CanTransitionInstance(InstanceQueued, InstanceBuilt))
	assert.True(t, CanTransitionInstance(InstanceBuilt, InstanceBuilt))

	assert.False(t, CanTransitionInstance(InstanceFailed, InstanceBuilt))
	assert.False(t, CanTransitionInstance(InstanceBuilt, InstanceFailed))
	assert.False(t, CanTransitionInstance(InstanceNotStarted, InstanceBuilt))
}

func TestValidateName(t *testing.T) {
	require.NoError(t, ValidateName("module_name", "m1"))
	require.NoError(t, ValidateName("module_name", "iris-classifier_v2.1"))

	for _, bad := range []string{"", "Upper", "-lead", "has space", "a/b", string(make([]byte, 70))} {
		err := ValidateName("module_name", bad)
		assert.ErrorIs(t, err, ErrValidation, "name %q", bad)
	}
}

func TestDecodeItem(t *testing.T) {
	var item ActivationItem
	err := DecodeItem([]byte(`{"correlation_id":"a","instance_id":"a","instance_name":"i1"}`), &item)
	require.NoError(t, err)
	assert.Equal(t, "i1", item.InstanceName)

	err = DecodeItem([]byte(`{"correlation_id":"a","instance_id":"a","instance_name":"i1","extra":1}`), &item)
	assert.ErrorIs(t, err, ErrValidation)

	err = DecodeItem([]byte(`not json`), &item)
	assert.ErrorIs(t, err, ErrValidation)

	err = DecodeItem([]byte(`{"correlation_id":"b","instance_id":"a","instance_name":"i1"}`), &item)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestModuleBuildItemValidate(t *testing.T) {
	item := ModuleBuildItem{CorrelationID: "id", ModuleID: "id", ModuleName: "m1", Script: "print(1)"}
	require.NoError(t, item.Validate())

	item.Script = ""
	assert.ErrorIs(t, item.Validate(), ErrValidation)
}

func TestErrorClassification(t *testing.T) {
	base := errors.New("dial tcp: connection refused")
	err := Transient("ping", base)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, base)
	assert.Same(t, err, Transient("again", err))
	assert.Nil(t, Transient("noop", nil))

	assert.True(t, IsBuildError(&BuildError{Op: "push", Err: base}))
	assert.True(t, IsRuntimeError(&RuntimeError{Op: "wait", ExitCode: 1}))
	assert.ErrorIs(t, ErrDuplicate, ErrValidation)
}
