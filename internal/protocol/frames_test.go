package protocol_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shipurjan/openchess/internal/apperr"
	"github.com/shipurjan/openchess/internal/protocol"
)

func TestParseEnvelope_Accepts(t *testing.T) {
	typ, raw, err := protocol.ParseEnvelope([]byte(`{"type":"move","from":"e2","to":"e4"}`))
	require.NoError(t, err)
	assert.Equal(t, protocol.InMove, typ)
	assert.Equal(t, `{"type":"move","from":"e2","to":"e4"}`, string(raw))
}

func TestParseEnvelope_RejectsUnknownType(t *testing.T) {
	_, _, err := protocol.ParseEnvelope([]byte(`{"type":"teleport"}`))
	require.Error(t, err)
	assert.Equal(t, apperr.ValidationError, apperr.KindOf(err))
}

func TestParseEnvelope_RejectsForbiddenType(t *testing.T) {
	_, _, err := protocol.ParseEnvelope([]byte(`{"type":"__proto__"}`))
	require.Error(t, err)
}

func TestParseEnvelope_RejectsOversizedFrame(t *testing.T) {
	huge := `{"type":"move","from":"` + strings.Repeat("e", protocol.MaxFrameBytes) + `"}`
	_, _, err := protocol.ParseEnvelope([]byte(huge))
	require.Error(t, err)
}

func TestParseEnvelope_RejectsMalformedJSON(t *testing.T) {
	_, _, err := protocol.ParseEnvelope([]byte(`not json`))
	require.Error(t, err)
}

func TestParseJoin_ValidatesUUID(t *testing.T) {
	_, raw, err := protocol.ParseEnvelope([]byte(`{"type":"join","gameId":"not-a-uuid"}`))
	require.NoError(t, err)
	_, err = protocol.ParseJoin(raw)
	require.Error(t, err)

	_, raw, err = protocol.ParseEnvelope([]byte(`{"type":"join","gameId":"123e4567-e89b-12d3-a456-426614174000"}`))
	require.NoError(t, err)
	id, err := protocol.ParseJoin(raw)
	require.NoError(t, err)
	assert.Equal(t, "123e4567-e89b-12d3-a456-426614174000", id)
}

func TestParseMove_ValidatesSquaresAndPromotion(t *testing.T) {
	_, raw, err := protocol.ParseEnvelope([]byte(`{"type":"move","from":"e2","to":"e4"}`))
	require.NoError(t, err)
	from, to, promo, err := protocol.ParseMove(raw)
	require.NoError(t, err)
	assert.Equal(t, "e2", from)
	assert.Equal(t, "e4", to)
	assert.Nil(t, promo)

	_, raw, err = protocol.ParseEnvelope([]byte(`{"type":"move","from":"e7","to":"e9"}`))
	require.NoError(t, err)
	_, _, _, err = protocol.ParseMove(raw)
	require.Error(t, err)

	_, raw, err = protocol.ParseEnvelope([]byte(`{"type":"move","from":"e7","to":"e8","promotion":"k"}`))
	require.NoError(t, err)
	_, _, _, err = protocol.ParseMove(raw)
	require.Error(t, err)
}

func TestParseMove_RejectsUnknownFields(t *testing.T) {
	_, raw, err := protocol.ParseEnvelope([]byte(`{"type":"move","from":"e2","to":"e4","extra":true}`))
	require.NoError(t, err)
	_, _, _, err = protocol.ParseMove(raw)
	require.Error(t, err)
}

func TestParseNoFields_RejectsExtraFields(t *testing.T) {
	_, raw, err := protocol.ParseEnvelope([]byte(`{"type":"resign","reason":"tired"}`))
	require.NoError(t, err)
	err = protocol.ParseNoFields(raw)
	require.Error(t, err)

	_, raw, err = protocol.ParseEnvelope([]byte(`{"type":"resign"}`))
	require.NoError(t, err)
	err = protocol.ParseNoFields(raw)
	require.NoError(t, err)
}
