package control

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/zsiec/tsdecrypt/internal/descrambler"
	apperrors "github.com/zsiec/tsdecrypt/internal/errors"
	"github.com/zsiec/tsdecrypt/internal/logger"
	"github.com/zsiec/tsdecrypt/internal/scrambler"
)

const originHTTP = "http"

// DescramblerInfo describes one registered descrambler
type DescramblerInfo struct {
	CaNum   uint16 `json:"ca_num"`
	Adapter int    `json:"adapter"`
	Demux   int    `json:"demux"`
	Engine  string `json:"engine"`
	Slots   int    `json:"slots"`
}

type descrRequest struct {
	Index   int    `json:"index"`
	Parity  int    `json:"parity"`
	CW      string `json:"cw"`
	Initial bool   `json:"initial"`
}

type pidRequest struct {
	Index int `json:"index"`
	PID   int `json:"pid"`
}

type resultResponse struct {
	CaNum  uint16 `json:"ca_num"`
	Result string `json:"result"`
}

// API exposes the dispatcher over HTTP
type API struct {
	dispatcher   *Dispatcher
	errorHandler *apperrors.ErrorHandler
	log          logger.Logger
}

// NewAPI creates the control API handlers
func NewAPI(dispatcher *Dispatcher, log logger.Logger) *API {
	log = logger.OrNull(log)
	return &API{
		dispatcher:   dispatcher,
		errorHandler: apperrors.NewErrorHandler(log),
		log:          log,
	}
}

// RegisterRoutes mounts the API on router, usually the /api/v1 subrouter
func (a *API) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ca", a.handleList).Methods("GET")
	router.HandleFunc("/ca/{ca_num}/slots", a.handleSlots).Methods("GET")
	router.HandleFunc("/ca/{ca_num}/descr", a.handleDescr).Methods("POST")
	router.HandleFunc("/ca/{ca_num}/pid", a.handlePid).Methods("POST")
	router.HandleFunc("/ca/{ca_num}/reset", a.handleReset).Methods("POST")
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	nums := a.dispatcher.CaNums()
	infos := make([]DescramblerInfo, 0, len(nums))
	for _, caNum := range nums {
		desc, err := a.dispatcher.Lookup(caNum)
		if err != nil {
			// unregistered in between
			continue
		}
		infos = append(infos, DescramblerInfo{
			CaNum:   caNum,
			Adapter: desc.Adapter(),
			Demux:   desc.Demux(),
			Engine:  desc.Engine().Name(),
			Slots:   len(desc.Slots()),
		})
	}
	a.writeJSON(w, http.StatusOK, infos)
}

func (a *API) handleSlots(w http.ResponseWriter, r *http.Request) {
	caNum, err := parseCaNum(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	desc, err := a.dispatcher.Lookup(caNum)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, desc.Slots())
}

func (a *API) handleDescr(w http.ResponseWriter, r *http.Request) {
	caNum, err := parseCaNum(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var req descrRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}

	msg := Message{
		Type:    TypeDescr,
		CaNum:   caNum,
		Index:   req.Index,
		Parity:  req.Parity,
		CW:      req.CW,
		Initial: req.Initial,
	}
	a.apply(w, r, msg)
}

func (a *API) handlePid(w http.ResponseWriter, r *http.Request) {
	caNum, err := parseCaNum(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	var req pidRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.apply(w, r, PidMessage(caNum, req.Index, req.PID))
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	caNum, err := parseCaNum(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.apply(w, r, Message{Type: TypeReset, CaNum: caNum})
}

func (a *API) apply(w http.ResponseWriter, r *http.Request, msg Message) {
	if err := a.dispatcher.Apply(originHTTP, msg); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, resultResponse{CaNum: msg.CaNum, Result: "ok"})
}

// parseCaNum accepts decimal or 0x-prefixed hex
func parseCaNum(r *http.Request) (uint16, error) {
	raw := mux.Vars(r)["ca_num"]
	n, err := strconv.ParseUint(raw, 0, 16)
	if err != nil {
		return 0, apperrors.NewValidationError(fmt.Sprintf("invalid ca_num %q", raw)).
			WithCode(apperrors.CodeInvalidCaNum)
	}
	return uint16(n), nil
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.WrapValidationError(err, apperrors.CodeBadBody)
	}
	return nil
}

// toAppError maps control and descrambler errors onto API errors
func toAppError(err error) error {
	switch {
	case apperrors.IsAppError(err):
		return err
	case errors.Is(err, ErrUnknownDescrambler):
		return apperrors.NewNotFoundError("descrambler").WithCode(apperrors.CodeUnknownDescrambler)
	case errors.Is(err, descrambler.ErrInvalidSlot):
		return apperrors.WrapValidationError(err, apperrors.CodeInvalidSlot)
	case errors.Is(err, descrambler.ErrInvalidParity):
		return apperrors.WrapValidationError(err, apperrors.CodeInvalidParity)
	case errors.Is(err, descrambler.ErrInvalidPID):
		return apperrors.WrapValidationError(err, apperrors.CodeInvalidPID)
	case errors.Is(err, descrambler.ErrZeroControlWord):
		return apperrors.WrapValidationError(err, apperrors.CodeZeroControlWord)
	case errors.Is(err, scrambler.ErrInvalidControlWord):
		return apperrors.WrapValidationError(err, apperrors.CodeBadControlWord)
	default:
		return err
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	a.errorHandler.HandleError(w, r, toAppError(err))
}

func (a *API) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.WithError(err).Error("Failed to encode control response")
	}
}
