package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/gregLibert/secure-element/pkg/se"
	"github.com/gregLibert/secure-element/pkg/se/simulator"
)

type client struct {
	t   *testing.T
	url string
	id  int
}

func newClient(t *testing.T) *client {
	t.Helper()
	logger := zaptest.NewLogger(t)

	svc, err := se.Open(context.Background(), simulator.DefaultDriver(), se.WithLogger(logger))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { svc.Close(context.Background()) })

	handler, err := NewServer(svc, logger).Handler()
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	return &client{t: t, url: ts.URL + "/rpc"}
}

// call returns the JSON-RPC error string as an error.
func (c *client) call(method string, params, result interface{}) error {
	c.t.Helper()
	c.id++

	body, err := json.Marshal(map[string]interface{}{
		"method": ServiceName + "." + method,
		"params": []interface{}{params},
		"id":     c.id,
	})
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(c.url, "application/json", bytes.NewReader(body))
	if err != nil {
		c.t.Fatalf("POST %s: %v", method, err)
	}
	defer resp.Body.Close()

	var out struct {
		Result json.RawMessage `json:"result"`
		Error  interface{}     `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.t.Fatalf("%s: decode: %v", method, err)
	}
	if out.Error != nil {
		return fmt.Errorf("%v", out.Error)
	}
	if result != nil {
		if err := json.Unmarshal(out.Result, result); err != nil {
			c.t.Fatalf("%s: decode result: %v", method, err)
		}
	}
	return nil
}

func (c *client) mustCall(method string, params, result interface{}) {
	c.t.Helper()
	if err := c.call(method, params, result); err != nil {
		c.t.Fatalf("%s: %v", method, err)
	}
}

func wantCode(t *testing.T, err error, code se.ErrorCode) {
	t.Helper()
	if err == nil || !strings.HasPrefix(err.Error(), code.String()+":") {
		t.Errorf("err = %v, want %s", err, code)
	}
}

func TestService_Scenario(t *testing.T) {
	c := newClient(t)

	var readers GetReadersResponse
	c.mustCall("GetReaders", struct{}{}, &readers)
	if len(readers.Readers) != 2 || readers.Readers[0].Name != "Simulated eSE" {
		t.Fatalf("readers = %+v", readers.Readers)
	}
	readerID := readers.Readers[0].ReaderID

	var props GetReaderPropertiesResponse
	c.mustCall("GetReaderProperties", ReaderRequest{ReaderID: readerID}, &props)
	if !props.Present || !props.SelectResponseEnable {
		t.Errorf("properties = %+v", props)
	}

	var s1, s2 OpenSessionResponse
	c.mustCall("OpenSession", ReaderRequest{ReaderID: readerID}, &s1)
	c.mustCall("OpenSession", ReaderRequest{ReaderID: readerID}, &s2)

	var atr GetATRResponse
	c.mustCall("GetATR", SessionRequest{SessionID: s1.SessionID}, &atr)
	if diff := cmp.Diff(HexString(simulator.DefaultATR), atr.ATR); diff != "" {
		t.Errorf("ATR mismatch (-want +got):\n%s", diff)
	}

	aid := HexString(simulator.DefaultAIDPrefix)
	var basic OpenChannelResponse
	c.mustCall("OpenBasicChannel", OpenChannelRequest{SessionID: s1.SessionID, AID: aid}, &basic)
	if basic.Number != 0 || len(basic.SelectResponse) == 0 {
		t.Errorf("basic channel = %+v", basic)
	}

	var tx TransmitResponse
	c.mustCall("Transmit", TransmitRequest{ChannelID: basic.ChannelID, Command: HexString{0x00, 0x01, 0x00, 0x00}}, &tx)
	if tx.Response.String() != "9000" {
		t.Errorf("response = %s, want 9000", tx.Response)
	}

	var logical OpenChannelResponse
	c.mustCall("OpenLogicalChannel", OpenChannelRequest{SessionID: s2.SessionID, AID: aid}, &logical)
	if logical.Number != 1 {
		t.Errorf("logical channel number = %d", logical.Number)
	}

	var next SelectResponse
	c.mustCall("SelectNext", ChannelRequest{ChannelID: logical.ChannelID}, &next)
	if cmp.Equal(logical.SelectResponse, next.Response) {
		t.Error("SelectNext returned the same select response")
	}
	var current SelectResponse
	c.mustCall("GetSelectResponse", ChannelRequest{ChannelID: logical.ChannelID}, &current)
	if diff := cmp.Diff(next.Response, current.Response); diff != "" {
		t.Errorf("select response mismatch (-want +got):\n%s", diff)
	}
	wantCode(t, c.call("SelectNext", ChannelRequest{ChannelID: logical.ChannelID}, nil), se.CodeNoMoreApplications)

	c.mustCall("Transmit", TransmitRequest{ChannelID: logical.ChannelID, Command: HexString{0x00, 0x01, 0x00, 0x00}, Capacity: 2}, &tx)
	if tx.Response.String() != "9000" {
		t.Errorf("response = %s, want 9000", tx.Response)
	}

	c.mustCall("CloseSessions", ReaderRequest{ReaderID: readerID}, nil)
	for _, id := range []uint64{s1.SessionID, s2.SessionID} {
		var closed IsSessionClosedResponse
		c.mustCall("IsSessionClosed", SessionRequest{SessionID: id}, &closed)
		if !closed.Closed {
			t.Errorf("session %d not closed", id)
		}
	}
	wantCode(t, c.call("Transmit", TransmitRequest{ChannelID: basic.ChannelID, Command: HexString{0x00, 0x01, 0x00, 0x00}}, nil), se.CodeInvalidState)
}

func TestService_Errors(t *testing.T) {
	c := newClient(t)

	var readers GetReadersResponse
	c.mustCall("GetReaders", struct{}{}, &readers)
	eSE, sdSlot := readers.Readers[0].ReaderID, readers.Readers[1].ReaderID

	wantCode(t, c.call("OpenSession", ReaderRequest{ReaderID: sdSlot}, nil), se.CodeNotPresent)
	wantCode(t, c.call("OpenSession", ReaderRequest{}, nil), se.CodeBadParameters)
	wantCode(t, c.call("GetATR", SessionRequest{SessionID: 1<<40 | 7}, nil), se.CodeBadParameters)

	var sess OpenSessionResponse
	c.mustCall("OpenSession", ReaderRequest{ReaderID: eSE}, &sess)

	wantCode(t, c.call("OpenLogicalChannel", OpenChannelRequest{SessionID: sess.SessionID, AID: HexString{0xD0, 0x00}}, nil), se.CodeBadParameters)
	wantCode(t, c.call("OpenLogicalChannel", OpenChannelRequest{SessionID: sess.SessionID, AID: HexString{0xA0, 0, 0, 0, 1}}, nil), se.CodeItemNotFound)

	var ch OpenChannelResponse
	c.mustCall("OpenLogicalChannel", OpenChannelRequest{SessionID: sess.SessionID, AID: HexString(simulator.DefaultAIDPrefix)}, &ch)

	echo := TransmitRequest{ChannelID: ch.ChannelID, Command: HexString{0x00, 0x02, 0x00, 0x00, 0x02, 0x01, 0x02}, Capacity: 3}
	wantCode(t, c.call("Transmit", echo, nil), se.CodeShortBuffer)
	echo.Capacity = 4
	var tx TransmitResponse
	c.mustCall("Transmit", echo, &tx)
	if tx.Response.String() != "01029000" {
		t.Errorf("response = %s", tx.Response)
	}
	wantCode(t, c.call("Transmit", TransmitRequest{ChannelID: ch.ChannelID, Command: HexString{0x00, 0x70, 0x00, 0x00, 0x01}}, nil), se.CodeBadParameters)
	wantCode(t, c.call("Transmit", TransmitRequest{ChannelID: ch.ChannelID, Command: HexString{0x00, 0x01}}, nil), se.CodeBadParameters)

	c.mustCall("CloseChannel", ChannelRequest{ChannelID: ch.ChannelID}, nil)
	c.mustCall("CloseChannel", ChannelRequest{ChannelID: ch.ChannelID}, nil)
	c.mustCall("CloseSession", SessionRequest{SessionID: sess.SessionID}, nil)
	c.mustCall("CloseSession", SessionRequest{SessionID: sess.SessionID}, nil)

	var closed IsSessionClosedResponse
	c.mustCall("IsSessionClosed", SessionRequest{SessionID: 12345}, &closed)
	if !closed.Closed {
		t.Error("unknown session should report closed")
	}
}

func TestHexString(t *testing.T) {
	var req TransmitRequest
	if err := json.Unmarshal([]byte(`{"channelId":1,"command":"00 a4 04 00"}`), &req); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(HexString{0x00, 0xA4, 0x04, 0x00}, req.Command); diff != "" {
		t.Errorf("command mismatch (-want +got):\n%s", diff)
	}

	out, err := json.Marshal(TransmitResponse{Response: HexString{0x6A, 0x82}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(out) != `{"response":"6A82"}` {
		t.Errorf("Marshal = %s", out)
	}

	if err := json.Unmarshal([]byte(`{"command":"0G"}`), &req); err == nil {
		t.Error("invalid hex should fail")
	}
}
