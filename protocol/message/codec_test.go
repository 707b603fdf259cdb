package message

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeClosedSet(t *testing.T) {
	t.Parallel()
	frames := map[string]Message{
		`{"type":"hello","clientId":"c1","version":"1.0.0"}`:                     &Hello{ClientID: "c1", Version: "1.0.0"},
		`{"type":"open_tunnel","subdomain":"api","protocol":"http"}`:              &OpenTunnel{Subdomain: "api", Protocol: "http"},
		`{"type":"tcp_connection","connectionId":"a"}`:                            &TCPConnection{ConnectionID: "a"},
		`{"type":"tcp_close","connectionId":"a"}`:                                 &TCPClose{ConnectionID: "a"},
		`{"type":"error","code":"AUTH_FAILED","message":"Invalid API key"}`:       &Error{Code: "AUTH_FAILED", Message: "Invalid API key"},
		`{"type":"ping"}`:                                                         &Ping{},
		`{"type":"pong"}`:                                                         &Pong{},
		`{"type":"udp_response","packetId":"p","targetAddress":"1.2.3.4","targetPort":53,"data":"AQI="}`: &UDPResponse{PacketID: "p", TargetAddress: "1.2.3.4", TargetPort: 53, Data: Payload{1, 2}},
	}
	for frame, expected := range frames {
		decoded, err := Decode([]byte(frame))
		require.NoError(t, err, frame)
		require.Equal(t, expected, decoded, frame)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	t.Parallel()
	_, err := Decode([]byte(`{"type":"open_sesame"}`))
	require.True(t, errors.Is(err, ErrUnknownType))
	_, err = Decode([]byte(`{"clientId":"x"}`))
	require.ErrorIs(t, err, ErrMissingType)
	_, err = Decode([]byte(`not json`))
	require.Error(t, err)
}

func TestDecodeRequiresIdentity(t *testing.T) {
	t.Parallel()
	_, err := Decode([]byte(`{"type":"tcp_data","data":"AA=="}`))
	require.Error(t, err)
	_, err = Decode([]byte(`{"type":"open_tunnel","protocol":"sctp"}`))
	require.Error(t, err)
}

func TestEmptyPayloadIsValid(t *testing.T) {
	t.Parallel()
	decoded, err := Decode([]byte(`{"type":"tcp_data","connectionId":"c","data":""}`))
	require.NoError(t, err)
	data := decoded.(*TCPData)
	require.NotNil(t, data.Data)
	require.Len(t, data.Data, 0)

	content, err := Encode(&TCPData{ConnectionID: "c"})
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"tcp_data","connectionId":"c","data":""}`, string(content))
}

func TestEncodeRoundTrip(t *testing.T) {
	t.Parallel()
	original := &Request{
		RequestID: "r1",
		Method:    "POST",
		Path:      "/v1/items?x=1",
		Headers:   Headers{"Content-Type": {"application/json"}, "Accept": {"a", "b"}},
		Body:      Payload(`{"ok":true}`),
	}
	content, err := Encode(original)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(content), `{"type":"request",`))
	require.NotContains(t, string(content), `": `)
	require.Contains(t, string(content), `"Content-Type":"application/json"`)
	decoded, err := Decode(content)
	require.NoError(t, err)
	require.Equal(t, original, decoded)
}

func TestEncodeEmptyMessage(t *testing.T) {
	t.Parallel()
	content, err := Encode(&Ping{})
	require.NoError(t, err)
	require.Equal(t, `{"type":"ping"}`, string(content))
	decoded, err := Decode(content)
	require.NoError(t, err)
	require.IsType(t, &Ping{}, decoded)
}

func TestEffectiveProtocol(t *testing.T) {
	t.Parallel()
	require.Equal(t, "http", (&OpenTunnel{}).EffectiveProtocol())
	require.Equal(t, "udp", (&OpenTunnel{Protocol: "udp"}).EffectiveProtocol())
}
