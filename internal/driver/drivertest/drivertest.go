// internal/driver/drivertest/drivertest.go

// Package drivertest opens drivers on scripted endpoints for tests.
package drivertest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"instrument-service/internal/discovery"
	"instrument-service/internal/driver/base"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol/protocoltest"
)

// Options returns driver timing with no delays and three query tries
func Options() base.Options {
	return base.Options{RetryCount: 3}
}

// Descriptor returns the built-in descriptor for a model
func Descriptor(t testing.TB, name string) model.Descriptor {
	t.Helper()
	desc, err := model.DefaultCatalog().MustLookup(name)
	require.NoError(t, err)
	return desc
}

// Open opens a verified session on ep. The session is closed at cleanup.
func Open(t testing.TB, ep *protocoltest.Endpoint, modelName, deviceID string) *discovery.VerifiedSession {
	t.Helper()
	sess, err := protocoltest.NewSession(context.Background(), ep)
	require.NoError(t, err)

	vs := &discovery.VerifiedSession{
		Session:  sess,
		Model:    modelName,
		DeviceID: deviceID,
		Address:  ep.Address,
		Speed:    sess.Speed(),
	}
	t.Cleanup(func() { _ = vs.Close() })
	return vs
}
