package server

import (
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/sdv-playground/sovdd/internal/conv"
	"github.com/sdv-playground/sovdd/internal/sovd"
)

// maxPackageSize bounds firmware uploads (64 MiB).
const maxPackageSize = 64 << 20

func (s *Server) handleData(w http.ResponseWriter, r *http.Request, backend sovd.Backend, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		// ?ids=a,b selects a batch read; otherwise list the parameters.
		if ids := r.URL.Query().Get("ids"); ids != "" {
			values, err := backend.ReadData(r.Context(), strings.Split(ids, ","))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": values})
			return
		}
		params, err := backend.ListParameters(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": params})

	case len(rest) == 1 && r.Method == http.MethodGet:
		values, err := backend.ReadData(r.Context(), []string{rest[0]})
		if err != nil {
			writeError(w, err)
			return
		}
		value := values[0]
		if value.Error != "" && value.Raw == "" {
			// A single-parameter read surfaces its item failure as the
			// response status.
			writeError(w, sovd.InvalidRequestf("%s", value.Error))
			return
		}
		writeJSON(w, http.StatusOK, value)

	case len(rest) == 1 && r.Method == http.MethodPut:
		var body struct {
			Value any `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		if err := backend.WriteData(r.Context(), rest[0], body.Value); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})

	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleRaw(w http.ResponseWriter, r *http.Request, backend sovd.Backend, rest []string) {
	if len(rest) != 1 {
		writeError(w, sovd.InvalidRequestf("raw access needs a DID"))
		return
	}
	did, err := conv.ParseDID(rest[0])
	if err != nil {
		writeError(w, sovd.InvalidRequestf("invalid DID %q", rest[0]))
		return
	}

	switch r.Method {
	case http.MethodGet:
		data, err := backend.ReadRawDID(r.Context(), did)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"did":  rest[0],
			"data": hex.EncodeToString(data),
		})

	case http.MethodPut:
		var body struct {
			Data string `json:"data"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		data, err := hex.DecodeString(body.Data)
		if err != nil {
			writeError(w, sovd.InvalidRequestf("data must be a hex string"))
			return
		}
		if err := backend.WriteRawDID(r.Context(), did, data); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})

	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleDDID(w http.ResponseWriter, r *http.Request, backend sovd.Backend, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			DDID    string            `json:"ddid"`
			Sources []sovd.DDIDSource `json:"sources"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		ddid, err := conv.ParseDID(body.DDID)
		if err != nil {
			writeError(w, sovd.InvalidRequestf("invalid DDID %q", body.DDID))
			return
		}
		if err := backend.DefineDataIdentifier(r.Context(), ddid, body.Sources); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"status": "ok"})

	case len(rest) == 1 && r.Method == http.MethodDelete:
		ddid, err := conv.ParseDID(rest[0])
		if err != nil {
			writeError(w, sovd.InvalidRequestf("invalid DDID %q", rest[0]))
			return
		}
		if err := backend.ClearDataIdentifier(r.Context(), ddid); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})

	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleFaults(w http.ResponseWriter, r *http.Request, backend sovd.Backend, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		filter := &sovd.FaultFilter{}
		q := r.URL.Query()
		if mask := q.Get("status_mask"); mask != "" {
			v, err := strconv.ParseUint(strings.TrimPrefix(mask, "0x"), 16, 8)
			if err != nil {
				writeError(w, sovd.InvalidRequestf("invalid status_mask %q", mask))
				return
			}
			filter.StatusMask = uint8(v)
		}
		filter.Category = q.Get("category")
		filter.ActiveOnly = q.Get("active") == "true"

		result, err := backend.Faults(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(rest) == 0 && r.Method == http.MethodDelete:
		var group uint64
		if g := r.URL.Query().Get("group"); g != "" {
			var err error
			// Accepts decimal or 0x-prefixed hex.
			group, err = strconv.ParseUint(g, 0, 32)
			if err != nil {
				writeError(w, sovd.InvalidRequestf("invalid group %q", g))
				return
			}
		}
		result, err := backend.ClearFaults(r.Context(), uint32(group))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	case len(rest) == 1 && r.Method == http.MethodGet:
		detail, err := backend.FaultDetail(r.Context(), rest[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)

	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request, backend sovd.Backend, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		ops, err := backend.ListOperations(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": ops})

	case len(rest) == 1 && r.Method == http.MethodPost:
		var body struct {
			Params string `json:"params"`
		}
		if r.ContentLength > 0 {
			if err := decodeBody(r, &body); err != nil {
				writeError(w, err)
				return
			}
		}
		params, err := hex.DecodeString(body.Params)
		if err != nil {
			writeError(w, sovd.InvalidRequestf("params must be a hex string"))
			return
		}
		execution, err := backend.StartOperation(r.Context(), rest[0], params)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, execution)

	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request, backend sovd.Backend, rest []string) {
	switch {
	case len(rest) == 1 && r.Method == http.MethodGet:
		execution, err := backend.OperationStatus(r.Context(), rest[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, execution)

	case len(rest) == 2 && rest[1] == "stop" && r.Method == http.MethodPost:
		execution, err := backend.StopOperation(r.Context(), rest[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, execution)

	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleOutputs(w http.ResponseWriter, r *http.Request, backend sovd.Backend, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		outputs, err := backend.ListOutputs(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": outputs})

	case len(rest) == 1 && r.Method == http.MethodGet:
		detail, err := backend.GetOutput(r.Context(), rest[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, detail)

	case len(rest) == 1 && r.Method == http.MethodPost:
		var body struct {
			Action string `json:"action"`
			Value  any    `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		action, ok := sovd.ParseIoControlAction(body.Action)
		if !ok {
			writeError(w, sovd.InvalidRequestf("unknown action %q", body.Action))
			return
		}
		result, err := backend.ControlOutput(r.Context(), rest[0], action, body.Value)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleModes(w http.ResponseWriter, r *http.Request, backend sovd.Backend, rest []string) {
	if len(rest) != 1 {
		writeError(w, sovd.InvalidRequestf("mode path needs session, security or link"))
		return
	}

	switch rest[0] {
	case "session":
		switch r.Method {
		case http.MethodGet:
			mode, err := backend.GetSessionMode(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, mode)
		case http.MethodPut:
			var body struct {
				Session string `json:"session"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, err)
				return
			}
			mode, err := backend.SetSessionMode(r.Context(), body.Session)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, mode)
		default:
			writeMethodNotAllowed(w)
		}

	case "security":
		switch r.Method {
		case http.MethodGet:
			mode, err := backend.GetSecurityMode(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, mode)
		case http.MethodPut:
			var body struct {
				Value string `json:"value"`
				Key   string `json:"key"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, err)
				return
			}
			key, err := hex.DecodeString(body.Key)
			if err != nil {
				writeError(w, sovd.InvalidRequestf("key must be a hex string"))
				return
			}
			mode, err := backend.SetSecurityMode(r.Context(), body.Value, key)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, mode)
		default:
			writeMethodNotAllowed(w)
		}

	case "link":
		switch r.Method {
		case http.MethodGet:
			mode, err := backend.GetLinkMode(r.Context())
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, mode)
		case http.MethodPut:
			var body struct {
				Action     string `json:"action"`
				BaudRateID string `json:"baud_rate_id"`
				BaudRate   uint32 `json:"baud_rate"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, err)
				return
			}
			result, err := backend.SetLinkMode(r.Context(), body.Action, body.BaudRateID, body.BaudRate)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, result)
		default:
			writeMethodNotAllowed(w)
		}

	default:
		writeError(w, sovd.EntityNotFound("mode " + rest[0]))
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request, backend sovd.Backend) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var body struct {
		Type string `json:"type"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	resetType := byte(0x01)
	switch strings.ToLower(body.Type) {
	case "", "hard":
		resetType = 0x01
	case "key_off_on":
		resetType = 0x02
	case "soft":
		resetType = 0x03
	default:
		writeError(w, sovd.InvalidRequestf("unknown reset type %q", body.Type))
		return
	}
	if err := backend.EcuReset(r.Context(), resetType); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request, backend sovd.Backend, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		data, err := io.ReadAll(io.LimitReader(r.Body, maxPackageSize+1))
		if err != nil {
			writeError(w, sovd.InvalidRequestf("read package body: %v", err))
			return
		}
		if len(data) > maxPackageSize {
			writeError(w, sovd.InvalidRequestf("package exceeds %d bytes", maxPackageSize))
			return
		}
		id, err := backend.ReceivePackage(r.Context(), data)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": id})

	case len(rest) == 0 && r.Method == http.MethodGet:
		packages, err := backend.ListPackages(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": packages})

	case len(rest) == 1 && r.Method == http.MethodGet:
		info, err := backend.GetPackage(r.Context(), rest[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, info)

	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := backend.DeletePackage(r.Context(), rest[0]); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})

	case len(rest) == 2 && rest[1] == "verify" && r.Method == http.MethodPost:
		result, err := backend.VerifyPackage(r.Context(), rest[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		writeMethodNotAllowed(w)
	}
}

func (s *Server) handleFlash(w http.ResponseWriter, r *http.Request, backend sovd.Backend, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var body struct {
			PackageID string `json:"package_id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, err)
			return
		}
		transferID, err := backend.StartFlash(r.Context(), body.PackageID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"transfer_id": transferID})

	case len(rest) == 0 && r.Method == http.MethodGet:
		transfers, err := backend.ListFlashTransfers(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": transfers})

	case len(rest) == 1 && rest[0] == "activation" && r.Method == http.MethodGet:
		state, err := backend.GetActivationState(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)

	case len(rest) == 1 && rest[0] == "finalize" && r.Method == http.MethodPost:
		if err := backend.FinalizeFlash(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})

	case len(rest) == 1 && rest[0] == "commit" && r.Method == http.MethodPost:
		if err := backend.CommitFlash(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})

	case len(rest) == 1 && rest[0] == "rollback" && r.Method == http.MethodPost:
		if err := backend.RollbackFlash(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})

	case len(rest) == 1 && r.Method == http.MethodGet:
		status, err := backend.GetFlashStatus(r.Context(), rest[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)

	case len(rest) == 2 && rest[1] == "abort" && r.Method == http.MethodPost:
		if err := backend.AbortFlash(r.Context(), rest[0]); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})

	default:
		writeMethodNotAllowed(w)
	}
}
