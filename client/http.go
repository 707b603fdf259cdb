package client

import (
	"bytes"
	"context"
	"io"
	"net/http"

	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/protocol/message"
)

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (s *session) handleRequest(frame *message.Request) {
	ctx, cancel := context.WithTimeout(s.ctx, C.RequestTimeout)
	defer cancel()
	response, err := s.roundTrip(ctx, frame)
	if err != nil {
		s.client.logger.Warn("forward ", frame.Method, " ", frame.Path, ": ", err)
		response = &message.Response{
			StatusCode: http.StatusBadGateway,
			Headers:    message.Headers{"Content-Type": {"text/plain; charset=utf-8"}},
			Body:       message.Payload("Bad Gateway: local service unreachable"),
		}
	}
	response.RequestID = frame.RequestID
	err = s.write(response)
	if err != nil {
		s.client.logger.Debug("reply to ", frame.RequestID, ": ", err)
	}
}

func (s *session) roundTrip(ctx context.Context, frame *message.Request) (*message.Response, error) {
	request, err := http.NewRequestWithContext(ctx, frame.Method, "http://"+s.client.options.LocalAddress+frame.Path, bytes.NewReader(frame.Body))
	if err != nil {
		return nil, err
	}
	frame.Headers.Apply(request.Header)
	for _, header := range hopHeaders {
		request.Header.Del(header)
	}
	response, err := s.client.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	body, err := io.ReadAll(io.LimitReader(response.Body, C.MaxRequestBodySize))
	if err != nil {
		return nil, err
	}
	for _, header := range hopHeaders {
		response.Header.Del(header)
	}
	return &message.Response{
		StatusCode: response.StatusCode,
		Headers:    message.HeadersFrom(response.Header),
		Body:       body,
	}, nil
}
