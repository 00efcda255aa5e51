package discovery_test

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instrument-service/internal/discovery"
	"instrument-service/internal/model"
	"instrument-service/internal/protocol/protocoltest"
)

func TestVerifyReusesProbeReplyWithoutSerialCommand(t *testing.T) {
	lamp, err := model.DefaultCatalog().MustLookup("M69920")
	require.NoError(t, err)

	ep := protocoltest.NewEndpoint("COM1", "").Reply("IDN?", "69920 SN4417")
	sess, err := protocoltest.NewSession(context.Background(), ep)
	require.NoError(t, err)
	defer sess.Close()

	v := discovery.NewVerifier(0, 0).Verify(context.Background(), sess, lamp)
	assert.Equal(t, discovery.OutcomeMatched, v.Outcome)
	assert.Equal(t, "69920 SN4417", v.DeviceID)
	assert.Equal(t, []string{"IDN?"}, ep.Writes())
	assert.True(t, sess.IsOpen())
}

func TestVerifyOutcomes(t *testing.T) {
	desc := model.Descriptor{
		Model:            "PM100D",
		Interface:        model.InterfaceVISA,
		ProbeCmd:         "*IDN?",
		SerialCmd:        "SN?",
		ExpectedResponse: "PM100D",
		SerialPattern:    regexp.MustCompile(`,(P[0-9]+),`),
	}

	tests := []struct {
		name    string
		script  func(ep *protocoltest.Endpoint)
		outcome discovery.Outcome
		id      string
	}{
		{
			name: "matched",
			script: func(ep *protocoltest.Endpoint) {
				ep.Reply("*IDN?", "Thorlabs,PM100D,P0012345,2.4.0").Reply("SN?", "Thorlabs,PM100D,P0012345,2.4.0")
			},
			outcome: discovery.OutcomeMatched,
			id:      "P0012345",
		},
		{
			name:    "silent",
			script:  func(ep *protocoltest.Endpoint) {},
			outcome: discovery.OutcomeNoResponse,
		},
		{
			name: "wrong model",
			script: func(ep *protocoltest.Endpoint) {
				ep.Reply("*IDN?", "Thorlabs,PM400,P0099,1.0")
			},
			outcome: discovery.OutcomeMismatched,
		},
		{
			name: "pattern misses",
			script: func(ep *protocoltest.Endpoint) {
				ep.Reply("*IDN?", "Thorlabs,PM100D").Reply("SN?", "unknown")
			},
			outcome: discovery.OutcomeMismatched,
		},
		{
			name: "serial query silent",
			script: func(ep *protocoltest.Endpoint) {
				ep.Reply("*IDN?", "Thorlabs,PM100D,P0012345,2.4.0")
			},
			outcome: discovery.OutcomeNoResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := protocoltest.NewEndpoint("USB0::0x1313::0x8078::P0012345::INSTR", "")
			tt.script(ep)
			sess, err := protocoltest.NewSession(context.Background(), ep)
			require.NoError(t, err)
			defer sess.Close()

			v := discovery.NewVerifier(0, 100).Verify(context.Background(), sess, desc)
			assert.Equal(t, tt.outcome, v.Outcome, v.Reason)
			assert.Equal(t, tt.id, v.DeviceID)
		})
	}
}

func TestExtractDeviceID(t *testing.T) {
	tests := []struct {
		name    string
		pattern *regexp.Regexp
		reply   string
		want    string
		ok      bool
	}{
		{name: "capture group", pattern: regexp.MustCompile(`,(P[0-9]+),`), reply: "Thorlabs,PM100D,P0012345,2.4.0", want: "P0012345", ok: true},
		{name: "whole match", pattern: regexp.MustCompile(`SN[0-9]+`), reply: "69920 SN4417", want: "SN4417", ok: true},
		{name: "no pattern", reply: "RS7-1-0042", want: "RS7-1-0042", ok: true},
		{name: "no match", pattern: regexp.MustCompile(`,(P[0-9]+),`), reply: "Thorlabs,PM100D", ok: false},
		{name: "empty reply", reply: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := discovery.ExtractDeviceID(model.Descriptor{SerialPattern: tt.pattern}, tt.reply)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMatchesMetadata(t *testing.T) {
	pm := model.Descriptor{VendorID: model.USBID(0x1313), ProductID: model.USBID(0x8078)}
	lamp := model.Descriptor{NameFragment: "M69920"}
	vendorOnly := model.Descriptor{VendorID: model.USBID(0x0403)}

	tests := []struct {
		name     string
		desc     model.Descriptor
		metadata string
		want     bool
	}{
		{name: "visa hex", desc: pm, metadata: "USB0::0x1313::0x8078::P0012345::INSTR", want: true},
		{name: "decimal", desc: pm, metadata: "USB0::4883::32888::P0012345::INSTR", want: true},
		{name: "vendor without product", desc: pm, metadata: "USB0::0x1313::0x8072::P1::INSTR", want: false},
		{name: "name fragment", desc: lamp, metadata: "COM4 - M69920 Lamp Supply", want: true},
		{name: "name fragment is case sensitive", desc: lamp, metadata: "COM4 - m69920 lamp supply", want: false},
		{name: "vendor only", desc: vendorOnly, metadata: "VID:PID=0403:6015", want: true},
		{name: "empty metadata", desc: pm, metadata: "", want: false},
		{name: "no identifiers", desc: model.Descriptor{}, metadata: "anything", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, discovery.MatchesMetadata(tt.desc, tt.metadata))
		})
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "matched", discovery.OutcomeMatched.String())
	assert.Equal(t, "busy", discovery.OutcomeBusy.String())
	assert.Equal(t, "mismatched", discovery.OutcomeMismatched.String())
	assert.Equal(t, "no_response", discovery.OutcomeNoResponse.String())
}
