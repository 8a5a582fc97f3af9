package panel

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"proxyfleet/internal/addrutil"
	"proxyfleet/internal/api"
	"proxyfleet/internal/model"
	"proxyfleet/internal/store"
)

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterNodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Name == "" {
		writeJSONError(w, http.StatusBadRequest, "name is required")
		return
	}

	ip := req.IP
	if ip == "" {
		ip = addrutil.Host(r.RemoteAddr)
	}

	id, err := s.store.RegisterNode(r.Context(), model.Node{
		Name:        req.Name,
		IP:          ip,
		CountryCode: req.CountryCode,
		CountryName: req.CountryName,
		City:        req.City,
		ISP:         req.ISP,
		XrayVersion: req.XrayVersion,
	}, time.Now().UTC())
	if err != nil {
		s.internalError(w, "register node", err)
		return
	}

	s.log.Info("node registered", zap.String("node_id", id), zap.String("name", req.Name))
	writeJSON(w, http.StatusCreated, api.RegisterNodeResponse{NodeID: id})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(r.Context())
	if err != nil {
		s.internalError(w, "list nodes", err)
		return
	}
	records := make([]api.NodeRecord, 0, len(nodes))
	for _, n := range nodes {
		records = append(records, nodeRecord(n))
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]
	err := s.store.DeleteNode(r.Context(), nodeID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "unknown node")
		return
	}
	if err != nil {
		s.internalError(w, "delete node", err)
		return
	}
	s.log.Info("node removed", zap.String("node_id", nodeID))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]

	var req api.HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, ok := nodeStatusFor(req.Status)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "status must be ok or degraded")
		return
	}

	err := s.store.UpdateHeartbeat(r.Context(), nodeID, status, req.Metrics, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "unknown node")
		return
	}
	if err != nil {
		s.internalError(w, "heartbeat", err)
		return
	}

	s.metrics.HeartbeatsTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNodeClients(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]

	snapshot, err := s.store.AssignmentSnapshot(r.Context(), nodeID, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "unknown node")
		return
	}
	if err != nil {
		s.internalError(w, "assignment snapshot", err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]

	var report api.TrafficReport
	if err := decodeJSON(r, &report); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := s.store.RecordTraffic(r.Context(), nodeID, report, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "unknown node")
		return
	}
	if err != nil {
		s.internalError(w, "record traffic", err)
		return
	}

	var uplink, downlink int64
	for _, d := range report {
		if d.Uplink > 0 {
			uplink += d.Uplink
		}
		if d.Downlink > 0 {
			downlink += d.Downlink
		}
	}
	s.metrics.RecordTraffic(uplink, downlink)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterClientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" {
		writeJSONError(w, http.StatusBadRequest, "id is required and minted by the caller")
		return
	}
	if req.Email == "" {
		writeJSONError(w, http.StatusBadRequest, "email is required")
		return
	}

	now := time.Now().UTC()
	client := model.Client{
		ID:        req.ID,
		Email:     req.Email,
		Status:    model.ClientActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if req.DailyLimitMB != nil {
		client.DailyLimitMB = *req.DailyLimitMB
	} else {
		client.DailyLimitMB = s.settingInt(r.Context(), store.SettingDefaultDailyLimitMB)
	}

	expireDays := int64(0)
	if req.ExpireDays != nil {
		expireDays = int64(*req.ExpireDays)
	} else {
		expireDays = s.settingInt(r.Context(), store.SettingDefaultExpireDays)
	}
	if expireDays > 0 {
		client.ExpiresAt = now.AddDate(0, 0, int(expireDays))
	}

	err := s.store.CreateClient(r.Context(), client)
	if errors.Is(err, store.ErrExists) {
		writeJSONError(w, http.StatusConflict, "client id or email already exists")
		return
	}
	if err != nil {
		s.internalError(w, "register client", err)
		return
	}

	s.log.Info("client registered", zap.String("client_id", client.ID), zap.String("email", client.Email))
	writeJSON(w, http.StatusCreated, clientRecord(client))
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.store.ListClients(r.Context())
	if err != nil {
		s.internalError(w, "list clients", err)
		return
	}
	records := make([]api.ClientRecord, 0, len(clients))
	for _, c := range clients {
		records = append(records, clientRecord(c))
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client_id"]

	var req api.UpdateClientRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Status != nil && *req.Status != model.ClientActive && *req.Status != model.ClientBlocked {
		writeJSONError(w, http.StatusBadRequest, "status must be active or blocked")
		return
	}

	client, err := s.store.UpdateClient(r.Context(), clientID, store.ClientUpdate{
		Status:       req.Status,
		DailyLimitMB: req.DailyLimitMB,
		ExtendDays:   req.ExtendDays,
	}, time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "unknown client")
		return
	}
	if err != nil {
		s.internalError(w, "update client", err)
		return
	}
	writeJSON(w, http.StatusOK, clientRecord(client))
}

func (s *Server) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	clientID := mux.Vars(r)["client_id"]
	err := s.store.DeleteClient(r.Context(), clientID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "unknown client")
		return
	}
	if err != nil {
		s.internalError(w, "delete client", err)
		return
	}
	s.log.Info("client removed", zap.String("client_id", clientID))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := s.store.Assign(r.Context(), vars["client_id"], vars["node_id"], time.Now().UTC())
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "unknown client or node")
		return
	}
	if err != nil {
		s.internalError(w, "assign", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnassign(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	err := s.store.Unassign(r.Context(), vars["client_id"], vars["node_id"])
	if errors.Is(err, store.ErrNotFound) {
		writeJSONError(w, http.StatusNotFound, "unknown client or node")
		return
	}
	if err != nil {
		s.internalError(w, "unassign", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context(), time.Now().UTC())
	if err != nil {
		s.internalError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, api.StatsResponse{
		Nodes:         stats.Nodes,
		NodesOnline:   stats.NodesOnline,
		Clients:       stats.Clients,
		ClientsActive: stats.ClientsActive,
		TrafficToday:  stats.TrafficToday,
	})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, zap.Error(err))
	writeJSONError(w, http.StatusInternalServerError, "internal error")
}

// settingInt reads a numeric setting; unset or garbage values count as 0.
func (s *Server) settingInt(ctx context.Context, key string) int64 {
	raw, err := s.store.Setting(ctx, key, "0")
	if err != nil {
		s.log.Warn("read setting", zap.String("key", key), zap.Error(err))
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.log.Warn("setting is not a number", zap.String("key", key), zap.String("value", raw))
		return 0
	}
	return v
}

func nodeStatusFor(agentStatus string) (string, bool) {
	switch agentStatus {
	case api.AgentOK:
		return model.StatusOnline, true
	case api.AgentDegraded:
		return model.StatusOffline, true
	}
	return "", false
}

func nodeRecord(n model.Node) api.NodeRecord {
	rec := api.NodeRecord{
		ID:           n.ID,
		Name:         n.Name,
		IP:           n.IP,
		CountryCode:  n.CountryCode,
		CountryName:  n.CountryName,
		City:         n.City,
		ISP:          n.ISP,
		XrayVersion:  n.XrayVersion,
		Status:       n.Status,
		Metrics:      n.LastMetrics,
		RegisteredAt: n.RegisteredAt,
	}
	if !n.LastHeartbeatAt.IsZero() {
		t := n.LastHeartbeatAt
		rec.LastHeartbeatAt = &t
	}
	return rec
}

func clientRecord(c model.Client) api.ClientRecord {
	rec := api.ClientRecord{
		ID:            c.ID,
		Email:         c.Email,
		Status:        c.Status,
		DailyLimitMB:  c.DailyLimitMB,
		TotalUplink:   c.TotalUplink,
		TotalDownlink: c.TotalDownlink,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	if !c.ExpiresAt.IsZero() {
		t := c.ExpiresAt
		rec.ExpiresAt = &t
	}
	return rec
}
