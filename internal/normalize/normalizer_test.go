package normalize_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/topicscope/api"
	"github.com/momentics/topicscope/internal/normalize"
)

func TestClassifyJSON(t *testing.T) {
	res := normalize.Classify([]byte("{}"))
	assert.Equal(t, api.ClassJSON, res.Classification)
	assert.JSONEq(t, "{}", string(res.JSON))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("{}")), res.RawBase64)

	res = normalize.Classify([]byte("  [1, 2, {\"a\": null}]\n"))
	assert.Equal(t, api.ClassJSON, res.Classification)
}

func TestClassifyText(t *testing.T) {
	res := normalize.Classify([]byte("hello"))
	assert.Equal(t, api.ClassText, res.Classification)
	require.NotNil(t, res.Text)
	assert.Equal(t, "hello", *res.Text)
	assert.Equal(t, "aGVsbG8=", res.RawBase64)

	// Broken JSON falls through to the text check.
	res = normalize.Classify([]byte(`{"a": `))
	assert.Equal(t, api.ClassText, res.Classification)

	res = normalize.Classify([]byte("line one\r\n\tline two"))
	assert.Equal(t, api.ClassText, res.Classification)
}

func TestClassifyBinary(t *testing.T) {
	controlBytes := make([]byte, 16)
	for i := range controlBytes {
		controlBytes[i] = byte(i) // valid UTF-8, all control characters
	}
	res := normalize.Classify(controlBytes)
	assert.Equal(t, api.ClassBinary, res.Classification)
	assert.Nil(t, res.Text)
	assert.Equal(t, base64.StdEncoding.EncodeToString(controlBytes), res.RawBase64)

	invalid := []byte{0xff, 0xfe, 0x00, 0x81, 0x9c, 0x12, 0xc3, 0x28, 0xa0, 0xa1, 0xe2, 0x28, 0xa1, 0xf0, 0x90, 0x28}
	assert.Equal(t, api.ClassBinary, normalize.Classify(invalid).Classification)
}

func TestClassifyEmpty(t *testing.T) {
	res := normalize.Classify(nil)
	assert.Equal(t, api.ClassBinary, res.Classification)
	assert.Equal(t, "", res.RawBase64)
	require.NotNil(t, res.Text)
	assert.Equal(t, "", *res.Text)
}

func TestClassifyPrintableThreshold(t *testing.T) {
	// 9 printable + 1 control = exactly 90%.
	atThreshold := []byte("abcdefghi\x01")
	assert.Equal(t, api.ClassText, normalize.Classify(atThreshold).Classification)

	// 8 printable + 2 control = 80%.
	below := []byte("abcdefgh\x01\x02")
	assert.Equal(t, api.ClassBinary, normalize.Classify(below).Classification)
}

func TestClassifyWithHook(t *testing.T) {
	hook := func(key string, payload []byte) (json.RawMessage, bool) {
		if key != "schema/known" {
			return nil, false
		}
		return json.RawMessage(`{"decoded":true}`), true
	}
	res := normalize.ClassifyWith("schema/known", []byte{0x08, 0x96, 0x01}, hook)
	assert.Equal(t, api.ClassJSON, res.Classification)
	assert.JSONEq(t, `{"decoded":true}`, string(res.JSON))
	assert.Equal(t, "CJYB", res.RawBase64)

	res = normalize.ClassifyWith("other", []byte("plain"), hook)
	assert.Equal(t, api.ClassText, res.Classification)
}

func TestEncodeBase64(t *testing.T) {
	p, hint, err := normalize.Encode(normalize.ModeBase64, "aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), p)
	assert.Equal(t, api.EncodingBinary, hint)

	p, _, err = normalize.Encode(normalize.ModeBase64, " aGVs\nbG8= ")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), p)

	p, _, err = normalize.Encode(normalize.ModeBase64, "  \n ")
	require.NoError(t, err)
	assert.NotNil(t, p)
	assert.Len(t, p, 0)

	for _, bad := range []string{"aGVsbG8", "a$==", "aGVsbG8=="} {
		_, _, err = normalize.Encode(normalize.ModeBase64, bad)
		assert.ErrorIs(t, err, api.ErrInvalidPayload, bad)
		assert.Equal(t, api.KindValidation, api.KindOf(err))
	}
}

func TestEncodeJSON(t *testing.T) {
	p, hint, err := normalize.Encode(normalize.ModeJSON, "{ \"b\" : 12345678901234567890, \"html\": \"<a>\" }")
	require.NoError(t, err)
	assert.Equal(t, `{"b":12345678901234567890,"html":"<a>"}`, string(p))
	assert.Equal(t, api.EncodingJSON, hint)

	_, _, err = normalize.Encode(normalize.ModeJSON, `{"a":`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected EOF")

	_, _, err = normalize.Encode(normalize.ModeJSON, `{"a":1} }`)
	assert.ErrorIs(t, err, api.ErrInvalidPayload)
}

func TestEncodeText(t *testing.T) {
	p, hint, err := normalize.Encode(normalize.ModeText, "  raw é ")
	require.NoError(t, err)
	assert.Equal(t, []byte("  raw é "), p)
	assert.Equal(t, api.EncodingText, hint)
}

func TestParseMode(t *testing.T) {
	m, err := normalize.ParseMode("BASE64")
	require.NoError(t, err)
	assert.Equal(t, normalize.ModeBase64, m)
	m, err = normalize.ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, normalize.ModeText, m)
	_, err = normalize.ParseMode("cbor")
	assert.Error(t, err)
}
