package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitystream/errors"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name       string
		accountID  int64
		domain     string
		entityType string
		identifier string
	}{
		{"kafka cluster", 42, "INFRA", "MESSAGE_QUEUE_CLUSTER", "prod-kafka"},
		{"composite identifier", 1, "INFRA", "MESSAGE_QUEUE_CLUSTER", "1:us-east-1:msk-prod"},
		{"identifier with separator", 7, "INFRA", "MESSAGE_QUEUE_TOPIC", "prod|orders|v2"},
		{"dotted identifier", 99, "EXT", "SERVICE", "broker-3.kafka.internal:9092"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			guid, err := EncodeGUID(tt.accountID, tt.domain, tt.entityType, tt.identifier)
			require.NoError(t, err)
			require.NotEmpty(t, guid)

			accountID, domain, entityType, identifier, err := DecodeGUID(guid)
			require.NoError(t, err)
			assert.Equal(t, tt.accountID, accountID)
			assert.Equal(t, tt.domain, domain)
			assert.Equal(t, tt.entityType, entityType)
			assert.Equal(t, tt.identifier, identifier)
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	a, err := EncodeGUID(42, "INFRA", "MESSAGE_QUEUE_CLUSTER", "prod-kafka")
	require.NoError(t, err)
	b, err := EncodeGUID(42, "INFRA", "MESSAGE_QUEUE_CLUSTER", "prod-kafka")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDistinctTuplesYieldDistinctGUIDs(t *testing.T) {
	base, err := EncodeGUID(42, "INFRA", "MESSAGE_QUEUE_CLUSTER", "prod-kafka")
	require.NoError(t, err)

	variants := []struct {
		accountID  int64
		domain     string
		entityType string
		identifier string
	}{
		{43, "INFRA", "MESSAGE_QUEUE_CLUSTER", "prod-kafka"},
		{42, "EXT", "MESSAGE_QUEUE_CLUSTER", "prod-kafka"},
		{42, "INFRA", "MESSAGE_QUEUE_TOPIC", "prod-kafka"},
		{42, "INFRA", "MESSAGE_QUEUE_CLUSTER", "prod-kafka2"},
	}

	for _, v := range variants {
		guid, err := EncodeGUID(v.accountID, v.domain, v.entityType, v.identifier)
		require.NoError(t, err)
		assert.NotEqual(t, base, guid)
	}
}

func TestEncodeRejectsInvalidInputs(t *testing.T) {
	tests := []struct {
		name       string
		accountID  int64
		domain     string
		entityType string
		identifier string
	}{
		{"zero account", 0, "INFRA", "SERVICE", "x"},
		{"negative account", -1, "INFRA", "SERVICE", "x"},
		{"empty domain", 1, "", "SERVICE", "x"},
		{"lowercase domain", 1, "infra", "SERVICE", "x"},
		{"domain with separator", 1, "IN|FRA", "SERVICE", "x"},
		{"empty type", 1, "INFRA", "", "x"},
		{"empty identifier", 1, "INFRA", "SERVICE", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeGUID(tt.accountID, tt.domain, tt.entityType, tt.identifier)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidGUID)
		})
	}
}

func TestDecodeRejectsMalformedTokens(t *testing.T) {
	tests := []struct {
		name  string
		token GUID
	}{
		{"empty", ""},
		{"not base64url", "!!!not-base64!!!"},
		{"too few fields", GUID("NDJ8SU5GUkE")},      // "42|INFRA"
		{"non-numeric account", GUID("eHxBfEJ8Yw")},  // "x|A|B|c"
		{"lowercase domain", GUID("MXxpbmZyYXxTfGM")}, // "1|infra|S|c"
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, _, err := DecodeGUID(tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidGUID)
		})
	}
}
