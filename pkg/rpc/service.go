package rpc

import (
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gregLibert/secure-element/pkg/se"
)

// MaxResponseLength bounds Transmit when the request leaves capacity at 0:
// the largest extended response plus the status word.
const MaxResponseLength = 65536 + 2

// Service exposes an se.Service over JSON-RPC. Handles travel as their IDs.
type Service struct {
	se     *se.Service
	logger *zap.Logger
}

func NewService(service *se.Service, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.L()
	}
	return &Service{se: service, logger: logger.Named("rpc")}
}

// reply prefixes errors with their code name, which is all a JSON-RPC 1.0
// error string can carry.
func (s *Service) reply(method string, err error) error {
	if err == nil {
		return nil
	}
	s.logger.Debug("request failed", zap.String("method", method), zap.Error(err))
	if code := se.CodeOf(err); code != 0 {
		return errors.Wrap(err, code.String())
	}
	return err
}

type ReaderInfo struct {
	ReaderID uint64 `json:"readerId"`
	Name     string `json:"name"`
}

type GetReadersResponse struct {
	Readers []ReaderInfo `json:"readers"`
}

func (s *Service) GetReaders(r *http.Request, args *struct{}, reply *GetReadersResponse) error {
	readers, err := s.se.Readers()
	if err != nil {
		return s.reply("GetReaders", err)
	}
	reply.Readers = make([]ReaderInfo, 0, len(readers))
	for _, rd := range readers {
		name, err := rd.Name()
		if err != nil {
			return s.reply("GetReaders", err)
		}
		reply.Readers = append(reply.Readers, ReaderInfo{ReaderID: rd.ID(), Name: name})
	}
	return nil
}

type ReaderRequest struct {
	ReaderID uint64 `json:"readerId" validate:"required"`
}

type GetReaderPropertiesResponse struct {
	Present              bool `json:"present"`
	TEEOnly              bool `json:"teeOnly"`
	SelectResponseEnable bool `json:"selectResponseEnable"`
}

func (s *Service) GetReaderProperties(r *http.Request, args *ReaderRequest, reply *GetReaderPropertiesResponse) error {
	if err := validateRequest(args); err != nil {
		return s.reply("GetReaderProperties", err)
	}
	rd, err := s.se.Reader(args.ReaderID)
	if err != nil {
		return s.reply("GetReaderProperties", err)
	}
	props, err := rd.Properties(r.Context())
	if err != nil {
		return s.reply("GetReaderProperties", err)
	}
	*reply = GetReaderPropertiesResponse(props)
	return nil
}

type OpenSessionResponse struct {
	SessionID uint64 `json:"sessionId"`
}

func (s *Service) OpenSession(r *http.Request, args *ReaderRequest, reply *OpenSessionResponse) error {
	if err := validateRequest(args); err != nil {
		return s.reply("OpenSession", err)
	}
	rd, err := s.se.Reader(args.ReaderID)
	if err != nil {
		return s.reply("OpenSession", err)
	}
	sess, err := rd.OpenSession(r.Context())
	if err != nil {
		return s.reply("OpenSession", err)
	}
	reply.SessionID = sess.ID()
	return nil
}

func (s *Service) CloseSessions(r *http.Request, args *ReaderRequest, reply *struct{}) error {
	if err := validateRequest(args); err != nil {
		return s.reply("CloseSessions", err)
	}
	rd, err := s.se.Reader(args.ReaderID)
	if err != nil {
		return s.reply("CloseSessions", err)
	}
	return s.reply("CloseSessions", rd.CloseSessions(r.Context()))
}

type SessionRequest struct {
	SessionID uint64 `json:"sessionId" validate:"required"`
}

type GetATRResponse struct {
	ATR HexString `json:"atr"`
}

func (s *Service) GetATR(r *http.Request, args *SessionRequest, reply *GetATRResponse) error {
	if err := validateRequest(args); err != nil {
		return s.reply("GetATR", err)
	}
	sess, err := s.se.Session(args.SessionID)
	if err != nil {
		return s.reply("GetATR", err)
	}
	atr, err := sess.ATR()
	if err != nil {
		return s.reply("GetATR", err)
	}
	reply.ATR = atr
	return nil
}

type IsSessionClosedResponse struct {
	Closed bool `json:"closed"`
}

// IsSessionClosed never fails: sessions that cannot be resolved are closed.
func (s *Service) IsSessionClosed(r *http.Request, args *SessionRequest, reply *IsSessionClosedResponse) error {
	sess, err := s.se.Session(args.SessionID)
	reply.Closed = err != nil || sess.IsClosed()
	return nil
}

func (s *Service) CloseSession(r *http.Request, args *SessionRequest, reply *struct{}) error {
	if err := validateRequest(args); err != nil {
		return s.reply("CloseSession", err)
	}
	sess, err := s.se.Session(args.SessionID)
	if se.CodeOf(err) == se.CodeInvalidState {
		return nil
	}
	if err != nil {
		return s.reply("CloseSession", err)
	}
	return s.reply("CloseSession", sess.Close(r.Context()))
}

type OpenChannelRequest struct {
	SessionID uint64    `json:"sessionId" validate:"required"`
	AID       HexString `json:"aid" validate:"min=5,max=16"`
}

type OpenChannelResponse struct {
	ChannelID      uint64    `json:"channelId"`
	Number         uint8     `json:"number"`
	SelectResponse HexString `json:"selectResponse"`
}

func (s *Service) OpenBasicChannel(r *http.Request, args *OpenChannelRequest, reply *OpenChannelResponse) error {
	return s.reply("OpenBasicChannel", s.openChannel(r, se.Basic, args, reply))
}

func (s *Service) OpenLogicalChannel(r *http.Request, args *OpenChannelRequest, reply *OpenChannelResponse) error {
	return s.reply("OpenLogicalChannel", s.openChannel(r, se.Logical, args, reply))
}

func (s *Service) openChannel(r *http.Request, kind se.ChannelKind, args *OpenChannelRequest, reply *OpenChannelResponse) error {
	if err := validateRequest(args); err != nil {
		return err
	}
	sess, err := s.se.Session(args.SessionID)
	if err != nil {
		return err
	}

	var ch se.Channel
	if kind == se.Basic {
		ch, err = sess.OpenBasicChannel(r.Context(), args.AID)
	} else {
		ch, err = sess.OpenLogicalChannel(r.Context(), args.AID)
	}
	if err != nil {
		return err
	}
	resp, err := ch.SelectResponse()
	if err != nil {
		return err
	}

	reply.ChannelID = ch.ID()
	reply.Number = ch.Number()
	reply.SelectResponse = resp
	return nil
}

type ChannelRequest struct {
	ChannelID uint64 `json:"channelId" validate:"required"`
}

type SelectResponse struct {
	Response HexString `json:"response"`
}

func (s *Service) GetSelectResponse(r *http.Request, args *ChannelRequest, reply *SelectResponse) error {
	if err := validateRequest(args); err != nil {
		return s.reply("GetSelectResponse", err)
	}
	ch, err := s.se.Channel(args.ChannelID)
	if err != nil {
		return s.reply("GetSelectResponse", err)
	}
	resp, err := ch.SelectResponse()
	if err != nil {
		return s.reply("GetSelectResponse", err)
	}
	reply.Response = resp
	return nil
}

func (s *Service) SelectNext(r *http.Request, args *ChannelRequest, reply *SelectResponse) error {
	if err := validateRequest(args); err != nil {
		return s.reply("SelectNext", err)
	}
	ch, err := s.se.Channel(args.ChannelID)
	if err != nil {
		return s.reply("SelectNext", err)
	}
	if err := ch.SelectNext(r.Context()); err != nil {
		return s.reply("SelectNext", err)
	}
	resp, err := ch.SelectResponse()
	if err != nil {
		return s.reply("SelectNext", err)
	}
	reply.Response = resp
	return nil
}

type TransmitRequest struct {
	ChannelID uint64    `json:"channelId" validate:"required"`
	Command   HexString `json:"command" validate:"min=4"`
	// Capacity bounds the response length; 0 means MaxResponseLength.
	Capacity int `json:"capacity" validate:"gte=0"`
}

type TransmitResponse struct {
	Response HexString `json:"response"`
}

func (s *Service) Transmit(r *http.Request, args *TransmitRequest, reply *TransmitResponse) error {
	if err := validateRequest(args); err != nil {
		return s.reply("Transmit", err)
	}
	ch, err := s.se.Channel(args.ChannelID)
	if err != nil {
		return s.reply("Transmit", err)
	}
	capacity := args.Capacity
	if capacity == 0 {
		capacity = MaxResponseLength
	}
	resp, err := ch.Transmit(r.Context(), args.Command, capacity)
	if err != nil {
		return s.reply("Transmit", err)
	}
	reply.Response = resp
	return nil
}

func (s *Service) CloseChannel(r *http.Request, args *ChannelRequest, reply *struct{}) error {
	if err := validateRequest(args); err != nil {
		return s.reply("CloseChannel", err)
	}
	ch, err := s.se.Channel(args.ChannelID)
	if se.CodeOf(err) == se.CodeInvalidState {
		return nil
	}
	if err != nil {
		return s.reply("CloseChannel", err)
	}
	return s.reply("CloseChannel", ch.Close(r.Context()))
}
