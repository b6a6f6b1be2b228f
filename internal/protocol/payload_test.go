package protocol

import (
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/lanchat/internal/chaterr"
)

func fileLine(kind Kind, data string, size int) []byte {
	return []byte(fmt.Sprintf(`{"type":%q,"filename":"notes.txt","filesize":%d,"filedata":%q}`, kind, size, data))
}

func TestPayloadValidation(t *testing.T) {
	body := []byte("hello, file")
	valid := base64.StdEncoding.EncodeToString(body)

	tests := []struct {
		name    string
		data    string
		size    int
		wantErr bool
		warning bool
	}{
		{name: "valid", data: valid, size: len(body)},
		{name: "valid without declared size", data: valid, size: 0},
		{name: "whitespace is stripped", data: valid[:4] + " \n\t" + valid[4:], size: len(body)},
		{name: "length not multiple of four", data: valid[:len(valid)-1], size: len(body), wantErr: true},
		{name: "invalid character", data: "ab-d", size: 3, wantErr: true},
		{name: "url-safe alphabet rejected", data: "ab_d", size: 3, wantErr: true},
		{name: "misplaced padding", data: "a=bc", size: 3, wantErr: true},
		{name: "empty body", data: "", size: 0, wantErr: true},
		{name: "size mismatch warns", data: valid, size: len(body) + 5, warning: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeLine(fileLine(KindFile, tt.data, tt.size))
			if tt.wantErr {
				require.ErrorIs(t, err, chaterr.ErrMalformedPayload)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, valid, env.Filedata)
			if tt.warning {
				assert.Contains(t, env.Warning, "does not match")
			} else {
				assert.Empty(t, env.Warning)
			}
		})
	}
}

func TestImagePayloadValidated(t *testing.T) {
	_, err := DecodeLine(fileLine(KindImage, "abc", 2))
	assert.ErrorIs(t, err, chaterr.ErrMalformedPayload)
}

func TestTextIgnoresFiledata(t *testing.T) {
	env, err := DecodeLine([]byte(`{"type":"text","content":"hi","filedata":"???"}`))
	require.NoError(t, err)
	assert.Equal(t, "???", env.Filedata)
}

func TestWithoutPayload(t *testing.T) {
	env := Envelope{Type: KindFile, Filename: "a.bin", Filesize: 3, Filedata: "YWJj", Users: []string{"x"}}

	stripped := env.WithoutPayload()

	assert.Empty(t, stripped.Filedata)
	assert.Equal(t, "a.bin", stripped.Filename)
	assert.Equal(t, "YWJj", env.Filedata)
	stripped.Users[0] = "y"
	assert.Equal(t, "x", env.Users[0])
}
