package store

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/sugawarayuuta/sonnet"

	"github.com/csirtgadgets/verbose-robot/pkg/errs"
	"github.com/csirtgadgets/verbose-robot/pkg/logger"
	"github.com/csirtgadgets/verbose-robot/pkg/metrics"
	"github.com/csirtgadgets/verbose-robot/pkg/models"
	"github.com/csirtgadgets/verbose-robot/pkg/msg"
	"github.com/csirtgadgets/verbose-robot/pkg/transport"
)

// errUndecodable marks a payload that is not valid JSON. Its reply is a
// bare failed status.
var errUndecodable = errors.New("undecodable payload")

// Handler answers store messages. Single-item creates are handed to the
// create queue and answered at flush time.
type Handler struct {
	store *Store
	queue *CreateQueue
}

// NewHandler wires a handler to s and q.
func NewHandler(s *Store, q *CreateQueue) *Handler {
	return &Handler{store: s, queue: q}
}

// Handle processes m received on sock. It returns the reply payload, or
// nil when the reply was deferred to the create queue.
func (h *Handler) Handle(sock transport.Socket, m msg.Message, hunterWrite bool) []byte {
	data, queued, err := h.dispatch(sock, m, hunterWrite)
	if queued {
		metrics.StoreRequests.WithLabelValues(m.Type.String(), "queued").Inc()
		return nil
	}
	if err != nil {
		metrics.StoreRequests.WithLabelValues(m.Type.String(), msg.StatusFailed).Inc()
		return failureFor(m.Type, err)
	}
	metrics.StoreRequests.WithLabelValues(m.Type.String(), msg.StatusSuccess).Inc()
	return msg.Success(data)
}

func failureFor(t msg.Type, err error) []byte {
	switch {
	case errors.Is(err, errUndecodable):
		return msg.Failure("")
	case errors.Is(err, errs.ErrAuth):
		logger.Debug("store_unauthorized", "type", t.String(), "reason", errs.Message(err))
	case errors.Is(err, errs.ErrInvalidSearch), errors.Is(err, errs.ErrInvalidIndicator):
		logger.Debug("store_request_rejected", "type", t.String(), "reason", errs.Message(err))
	default:
		logger.Error("store_request_failed", "type", t.String(), "error", err.Error())
		logger.Debug("store_request_failed_detail", "type", t.String(), "error", fmt.Sprintf("%+v", err))
	}
	return msg.Failure(errs.ReplyMessage(err))
}

func (h *Handler) dispatch(sock transport.Socket, m msg.Message, hunterWrite bool) (any, bool, error) {
	s := h.store
	switch m.Type {
	case msg.Ping:
		tok, err := s.Authorize(m.Token, CapRead)
		if err != nil {
			return nil, false, err
		}
		if err := s.Ping(); err != nil {
			return nil, false, err
		}
		s.Touch(tok)
		return true, false, nil

	case msg.PingWrite:
		tok, err := s.Authorize(m.Token, CapWrite)
		if err != nil {
			return nil, false, err
		}
		s.Touch(tok)
		return true, false, nil

	case msg.IndicatorsCreate:
		return h.create(sock, m, hunterWrite)

	case msg.IndicatorsSearch:
		tok, err := s.Authorize(m.Token, CapRead)
		if err != nil {
			return nil, false, err
		}
		filters, err := decodeFilters(m.Data)
		if err != nil {
			return nil, false, err
		}
		f := first(filters)
		s.LogSearch(tok, f)
		s.Touch(tok)
		out, err := s.Search(tok, f)
		if err != nil {
			return nil, false, err
		}
		return out, false, nil

	case msg.IndicatorsDelete:
		tok, err := s.Authorize(m.Token, CapAdmin)
		if err != nil {
			return nil, false, err
		}
		filters, err := decodeFilters(m.Data)
		if err != nil {
			return nil, false, err
		}
		n, err := s.Delete(tok, filters)
		if err != nil {
			return nil, false, err
		}
		return n, false, nil

	case msg.StatsSearch:
		tok, err := s.Authorize(m.Token, CapRead)
		if err != nil {
			return nil, false, err
		}
		filters, err := decodeFilters(m.Data)
		if err != nil {
			return nil, false, err
		}
		rows, err := s.Stats(tok, first(filters))
		return rows, false, err

	case msg.GraphSearch:
		tok, err := s.Authorize(m.Token, CapRead)
		if err != nil {
			return nil, false, err
		}
		filters, err := decodeFilters(m.Data)
		if err != nil {
			return nil, false, err
		}
		out, err := s.Graph(tok, first(filters))
		return out, false, err

	case msg.TokensSearch, msg.TokensCreate, msg.TokensDelete, msg.TokensEdit:
		tok, err := s.Authorize(m.Token, CapAdmin)
		if err != nil {
			return nil, false, err
		}
		return h.tokens(tok, m)
	}
	return nil, false, fmt.Errorf("%s: %w", m.Type, errs.ErrUnknownType)
}

func (h *Handler) create(sock transport.Socket, m msg.Message, hunterWrite bool) (any, bool, error) {
	s := h.store
	tok, err := s.Authorize(m.Token, CapWrite)
	if err != nil {
		return nil, false, err
	}
	if hunterWrite && tok.Username != HunterUsername {
		return nil, false, errs.Auth("hunter channel requires the hunter token")
	}
	inds, err := models.DecodeIndicators(m.Data)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", errUndecodable, err)
	}
	if len(inds) == 0 {
		return 0, false, nil
	}
	now := s.now()
	for i := range inds {
		if err := Check(tok, &inds[i], now); err != nil {
			return nil, false, err
		}
	}
	if len(inds) == 1 && h.queue != nil {
		h.queue.Add(tok, sock, m, inds[0])
		return nil, true, nil
	}
	n, err := s.Upsert(inds)
	if err != nil {
		return nil, false, err
	}
	s.Touch(tok)
	return n, false, nil
}

func (h *Handler) tokens(by *models.Token, m msg.Message) (any, bool, error) {
	s := h.store
	if m.Type == msg.TokensCreate || m.Type == msg.TokensEdit {
		var reqs []TokenRequest
		if err := decodeList(m.Data, &reqs); err != nil {
			return nil, false, err
		}
		if len(reqs) == 0 {
			return nil, false, errs.InvalidSearch("empty token request")
		}
		if m.Type == msg.TokensCreate {
			t, err := s.CreateToken(by.Username, reqs[0])
			return t, false, err
		}
		ok, err := s.EditToken(by.Username, reqs[0])
		return ok, false, err
	}
	filters, err := decodeFilters(m.Data)
	if err != nil {
		return nil, false, err
	}
	if m.Type == msg.TokensSearch {
		out, err := s.SearchTokens(first(filters))
		return out, false, err
	}
	n, err := s.DeleteTokens(by.Username, first(filters))
	return n, false, err
}

// decodeFilters reads a filter object or an array of them.
func decodeFilters(b []byte) ([]map[string]any, error) {
	var out []map[string]any
	if err := decodeList(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeList[T any](b []byte, out *[]T) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	if b[0] == '{' {
		var one T
		if err := sonnet.Unmarshal(b, &one); err != nil {
			return fmt.Errorf("%w: %v", errUndecodable, err)
		}
		*out = []T{one}
		return nil
	}
	if err := sonnet.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%w: %v", errUndecodable, err)
	}
	return nil
}

func first(filters []map[string]any) map[string]any {
	if len(filters) == 0 {
		return map[string]any{}
	}
	return filters[0]
}
