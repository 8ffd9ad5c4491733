package index

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestQdrantConfig_ApplyDefaults(t *testing.T) {
	config := &QdrantConfig{}
	config.ApplyDefaults()

	assert.Equal(t, "localhost", config.Host)
	assert.Equal(t, 6334, config.Port)
	assert.Equal(t, 50*1024*1024, config.MaxMessageSize)
	assert.Equal(t, 5*time.Second, config.DialTimeout)
	assert.Equal(t, 30*time.Second, config.RequestTimeout)
	assert.Equal(t, 3, config.RetryAttempts)
	assert.Equal(t, qdrant.Distance_Cosine, config.Distance)
}

func TestQdrantConfig_ApplyDefaults_PreservesSetValues(t *testing.T) {
	config := &QdrantConfig{
		Host: "qdrant.internal",
		Port: 7001,
	}
	config.ApplyDefaults()

	assert.Equal(t, "qdrant.internal", config.Host)
	assert.Equal(t, 7001, config.Port)
	assert.Equal(t, 3, config.RetryAttempts)
}

func TestQdrantConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  QdrantConfig
		wantErr string
	}{
		{
			name:   "valid",
			config: QdrantConfig{Host: "localhost", Port: 6334, MaxMessageSize: 1024},
		},
		{
			name:    "missing host",
			config:  QdrantConfig{Port: 6334, MaxMessageSize: 1024},
			wantErr: "host is required",
		},
		{
			name:    "negative port",
			config:  QdrantConfig{Host: "localhost", Port: -1, MaxMessageSize: 1024},
			wantErr: "invalid port",
		},
		{
			name:    "port too large",
			config:  QdrantConfig{Host: "localhost", Port: 70000, MaxMessageSize: 1024},
			wantErr: "invalid port",
		},
		{
			name:    "zero message size",
			config:  QdrantConfig{Host: "localhost", Port: 6334},
			wantErr: "invalid max message size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNewQdrantClient_RejectsInvalidConfig(t *testing.T) {
	// Validation failures must surface before any dialing happens.
	_, err := NewQdrantClient(&QdrantConfig{Port: -1}, nopLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestToQdrantFilter_NilAndZero(t *testing.T) {
	assert.Nil(t, toQdrantFilter(nil))
	assert.Nil(t, toQdrantFilter(&Filter{}))
}

func TestToQdrantCondition_Match(t *testing.T) {
	t.Run("keyword", func(t *testing.T) {
		cond := toQdrantCondition(MatchKeyword("sender", "alice@example.com"))
		field := cond.GetField()
		require.NotNil(t, field)
		assert.Equal(t, "sender", field.Key)
		assert.Equal(t, "alice@example.com", field.GetMatch().GetKeyword())
	})

	t.Run("integer", func(t *testing.T) {
		cond := toQdrantCondition(MatchInt("project_id", 7))
		field := cond.GetField()
		require.NotNil(t, field)
		assert.Equal(t, "project_id", field.Key)
		assert.Equal(t, int64(7), field.GetMatch().GetInteger())
	})

	t.Run("any keyword", func(t *testing.T) {
		cond := toQdrantCondition(MatchAnyKeyword("sensitivity", "public", "basic"))
		field := cond.GetField()
		require.NotNil(t, field)
		assert.Equal(t, []string{"public", "basic"}, field.GetMatch().GetKeywords().GetStrings())
	})

	t.Run("any integer", func(t *testing.T) {
		cond := toQdrantCondition(MatchAnyInt("people", 4, 9))
		field := cond.GetField()
		require.NotNil(t, field)
		assert.Equal(t, []int64{4, 9}, field.GetMatch().GetIntegers().GetIntegers())
	})
}

func TestToQdrantCondition_Range(t *testing.T) {
	cond := toQdrantCondition(InRange("created_at", RangeCondition{Gte: floatPtr(5), Lte: floatPtr(10)}))
	field := cond.GetField()
	require.NotNil(t, field)
	require.NotNil(t, field.Range)
	assert.Equal(t, 5.0, field.Range.GetGte())
	assert.Equal(t, 10.0, field.Range.GetLte())
	assert.Nil(t, field.Range.Gt)
	assert.Nil(t, field.Range.Lt)
}

func TestToQdrantCondition_IsNull(t *testing.T) {
	cond := toQdrantCondition(IsNull("people"))
	require.NotNil(t, cond.GetIsNull())
	assert.Equal(t, "people", cond.GetIsNull().GetKey())
}

func TestToQdrantCondition_Nested(t *testing.T) {
	cond := toQdrantCondition(Nested(Filter{Must: []Condition{
		MatchInt("project_id", 1),
		MatchAnyKeyword("sensitivity", "public", "basic"),
	}}))

	sub := cond.GetFilter()
	require.NotNil(t, sub)
	require.Len(t, sub.Must, 2)
	assert.Equal(t, "project_id", sub.Must[0].GetField().Key)
	assert.Equal(t, "sensitivity", sub.Must[1].GetField().Key)
}

func TestToQdrantFilter_ClausesMapped(t *testing.T) {
	f := &Filter{
		Must:    []Condition{MatchKeyword("domain", "example.com")},
		Should:  []Condition{MatchInt("project_id", 1), MatchInt("project_id", 2)},
		MustNot: []Condition{MatchKeyword("folder_path", "/spam")},
	}

	converted := toQdrantFilter(f)
	require.NotNil(t, converted)
	assert.Len(t, converted.Must, 1)
	assert.Len(t, converted.Should, 2)
	assert.Len(t, converted.MustNot, 1)
}

func TestQdrantValueRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want interface{}
	}{
		{name: "nil", in: nil, want: nil},
		{name: "string", in: "hello", want: "hello"},
		{name: "int widens to int64", in: 7, want: int64(7)},
		{name: "int64", in: int64(7), want: int64(7)},
		{name: "float", in: 0.25, want: 0.25},
		{name: "bool", in: true, want: true},
		{
			name: "string list",
			in:   []string{"a", "b"},
			want: []interface{}{"a", "b"},
		},
		{
			name: "int64 list",
			in:   []int64{4, 9},
			want: []interface{}{int64(4), int64(9)},
		},
		{
			name: "mixed list",
			in:   []interface{}{"a", int64(1)},
			want: []interface{}{"a", int64(1)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractValue(toQdrantValue(tt.in)))
		})
	}
}

func TestToQdrantPoint(t *testing.T) {
	p := &Point{
		ID:     "11111111-2222-3333-4444-555555555555",
		Vector: []float32{0.1, 0.2},
		Payload: map[string]interface{}{
			"project_id":  int64(1),
			"sensitivity": "internal",
			"people":      nil,
		},
	}

	qp := toQdrantPoint(p)
	assert.Equal(t, p.ID, qp.Id.GetUuid(), "UUID ids pass through as point ids")
	require.Len(t, qp.Payload, 4)
	assert.Equal(t, p.ID, qp.Payload["id"].GetStringValue())
	assert.Equal(t, int64(1), qp.Payload["project_id"].GetIntegerValue())
	assert.Equal(t, "internal", qp.Payload["sensitivity"].GetStringValue())
	assert.Equal(t, qdrant.NullValue_NULL_VALUE, qp.Payload["people"].GetNullValue())
}

func TestToQdrantPoint_NormalizesNonUUIDID(t *testing.T) {
	qp := toQdrantPoint(&Point{ID: "chunk-7", Vector: []float32{0.1}})

	pointID := qp.Id.GetUuid()
	_, err := uuid.Parse(pointID)
	require.NoError(t, err, "non-UUID ids must map to a UUID point id")
	assert.Equal(t, "chunk-7", qp.Payload["id"].GetStringValue())

	// Deterministic mapping: re-upserting the same id hits the same point.
	assert.Equal(t, pointID, toQdrantPoint(&Point{ID: "chunk-7", Vector: []float32{0.2}}).Id.GetUuid())
	assert.NotEqual(t, pointID, toQdrantPoint(&Point{ID: "chunk-8", Vector: []float32{0.2}}).Id.GetUuid())
}

func TestDocumentID(t *testing.T) {
	payload := map[string]interface{}{"id": "chunk-7"}
	assert.Equal(t, "chunk-7", documentID(payload, qdrant.NewIDUUID("11111111-2222-3333-4444-555555555555")))
	assert.Equal(t, "foreign-id", documentID(map[string]interface{}{}, qdrant.NewIDUUID("foreign-id")))
}

func TestExtractPointID(t *testing.T) {
	assert.Equal(t, "", extractPointID(nil))
	assert.Equal(t, "abc-123", extractPointID(qdrant.NewIDUUID("abc-123")))
	assert.Equal(t, "42", extractPointID(qdrant.NewIDNum(42)))
}

func TestIsTransientError(t *testing.T) {
	transient := []codes.Code{codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted}
	for _, code := range transient {
		assert.True(t, isTransientError(status.Error(code, "boom")), code.String())
	}

	permanent := []codes.Code{codes.NotFound, codes.InvalidArgument, codes.PermissionDenied, codes.Internal}
	for _, code := range permanent {
		assert.False(t, isTransientError(status.Error(code, "boom")), code.String())
	}

	assert.False(t, isTransientError(nil))
	assert.False(t, isTransientError(errors.New("plain error")))
}
