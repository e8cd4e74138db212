package protocol_test

import (
	"testing"
	"time"

	"github.com/xqms/gpu-claim/pkg/protocol"

	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	cases := []protocol.Request{
		{Status: &protocol.StatusRequest{}},
		{Claim: &protocol.ClaimRequest{NumGPUs: 3, Wait: true}},
		{CoRun: &protocol.CoRunRequest{GPUs: []uint32{0, 2, 5}}},
		{Release: &protocol.ReleaseRequest{GPUs: []uint32{1}}},
	}

	for _, req := range cases {
		encoded, err := protocol.EncodeRequest(req)
		require.NoError(t, err)

		decoded, err := protocol.DecodeRequest(encoded)
		require.NoError(t, err)
		require.Equal(t, req, decoded)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond).UTC()

	resp := protocol.Response{
		Status: &protocol.StatusResponse{
			Cards: []protocol.Card{
				{
					Index:               0,
					MinorID:             0,
					Name:                "NVIDIA A100",
					UUID:                "GPU-1234",
					ComputeUsagePercent: 42,
					MemoryTotal:         80 * 1 << 30,
					MemoryUsage:         1 << 30,
					TemperatureCelsius:  63,
					ReservedByUID:       1000,
					ClientPIDs:          []int32{42},
					Processes: []protocol.Process{
						{UID: 1000, PID: 42, Memory: 1 << 20},
					},
					LastUsageTime: now,
				},
			},
			JobsInQueue: []protocol.Job{
				{UID: 1001, PID: 7, NumGPUs: 2, Priority: 0, SubmissionTime: now},
			},
			Maintenance: false,
		},
	}

	encoded, err := protocol.EncodeResponse(resp)
	require.NoError(t, err)

	decoded, err := protocol.DecodeResponse(encoded)
	require.NoError(t, err)
	require.Equal(t, resp, decoded)
}

func TestDecodeRequestUnknownTag(t *testing.T) {
	_, err := protocol.DecodeRequest([]byte{0xff})
	require.Error(t, err)
}

func TestDecodeRequestTruncated(t *testing.T) {
	_, err := protocol.DecodeRequest([]byte{byte(protocol.KindClaimRequest)})
	require.Error(t, err)
}
