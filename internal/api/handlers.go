package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"OpenMCP-Dispatch/internal/auth"
	"OpenMCP-Dispatch/internal/breaker"
	xerrors "OpenMCP-Dispatch/internal/errors"
	"OpenMCP-Dispatch/internal/runtime"
	"OpenMCP-Dispatch/internal/storage/mysql"
	"OpenMCP-Dispatch/internal/task"
)

// handleSubmit 解析任务并交给运行时调度。
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, string(xerrors.CodeInvalidArgument), "请求体过大")
			return
		}
		writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "请求体解析失败: "+err.Error())
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = s.opts.NewID()
	}

	var opts []runtime.SubmitOption
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms <= 0 {
			writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "timeout_ms 必须是正整数")
			return
		}
		opts = append(opts, runtime.WithTimeout(time.Duration(ms)*time.Millisecond))
	}

	result, err := s.rt.Submit(r.Context(), req.toTask(s.opts.Clock(), auth.CallerName(r.Context())), opts...)
	if err != nil {
		status := StatusFor(err)
		if status >= http.StatusInternalServerError {
			s.log.Warn("任务调度失败", slog.String("task_id", req.ID), slog.Any("error", err))
		}
		if result != nil {
			writeJSON(w, status, result)
			return
		}
		writeErr(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := s.rt.HealthCheck(r.Context())
	resp := HealthResponse{Healthy: len(providers) > 0, Providers: providers}
	for _, ok := range providers {
		if !ok {
			resp.Healthy = false
		}
	}
	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.rt.Stats()
	resp := StatsResponse{
		TotalTasks: stats.TotalTasks,
		Rejected:   stats.Rejected,
		Active:     stats.Active,
		ByStatus:   make(map[string]int64, len(stats.ByStatus)),
		ByProvider: stats.ByProvider,
		ByKind:     make(map[string]KindStatsView, len(stats.ByKind)),
		StartedAt:  stats.StartedAt,
		UptimeMS:   stats.Uptime.Milliseconds(),
		MaxActive:  s.rt.Config().MaxConcurrentTasks,
		Strategy:   string(s.rt.Router().Strategy()),
	}
	for status, n := range stats.ByStatus {
		resp.ByStatus[string(status)] = n
	}
	for kind, ks := range stats.ByKind {
		resp.ByKind[string(kind)] = KindStatsView{
			Count:     ks.Count,
			AverageMS: ks.AverageDuration.Milliseconds(),
			TotalMS:   ks.TotalDuration.Milliseconds(),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	statuses := s.rt.Router().Statuses()
	views := make([]BreakerView, 0, len(statuses))
	for _, st := range statuses {
		views = append(views, s.breakerView(st))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, r *http.Request) {
	b, ok := s.lookupBreaker(w, r)
	if !ok {
		return
	}
	b.Reset()
	writeJSON(w, http.StatusOK, s.breakerView(b.Status()))
}

func (s *Server) handleBreakerForce(w http.ResponseWriter, r *http.Request) {
	b, ok := s.lookupBreaker(w, r)
	if !ok {
		return
	}
	state, err := breaker.ParseState(r.URL.Query().Get("state"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := b.ForceState(state); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, s.breakerView(b.Status()))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))

	var (
		records []mysql.AuditRecord
		err     error
	)
	switch {
	case q.Get("task_id") != "":
		records, err = s.opts.Audit.ListByTask(r.Context(), q.Get("task_id"))
	case q.Get("source") != "":
		records, err = s.opts.Audit.ListBySource(r.Context(), q.Get("source"), limit)
	default:
		records, err = s.opts.Audit.ListLatest(r.Context(), limit)
	}
	if err != nil {
		writeErr(w, StatusFor(err), err)
		return
	}
	if records == nil {
		records = []mysql.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) lookupBreaker(w http.ResponseWriter, r *http.Request) (*breaker.Breaker, bool) {
	name := r.PathValue("name")
	b, ok := s.rt.Router().Breaker(name)
	if !ok {
		writeError(w, http.StatusNotFound, string(xerrors.CodeNotFound), "未知的 provider: "+name)
		return nil, false
	}
	return b, true
}

func (s *Server) breakerView(st breaker.Status) BreakerView {
	view := BreakerView{
		Name:          st.Name,
		State:         string(st.State),
		FailureCount:  st.FailureCount,
		SuccessCount:  st.SuccessCount,
		HalfOpenCalls: st.HalfOpenCalls,
		LastFailure:   st.LastFailure,
		LastSuccess:   st.LastSuccess,
		NextAttempt:   st.NextAttempt,
	}
	if b, ok := s.rt.Router().Breaker(st.Name); ok {
		m := b.Metrics()
		view.Total = m.Total
		view.Successes = m.Successes
		view.Failures = m.Failures
		view.Timeouts = m.Timeouts
		view.Rejected = m.Rejected
		view.Openings = m.Openings
	}
	return view
}

// StatusFor 将错误码映射为 HTTP 状态码。
func StatusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeNoEligibleProvider:
		return http.StatusUnprocessableEntity
	case xerrors.CodeCapacityExceeded:
		return http.StatusTooManyRequests
	case xerrors.CodeDispatchExhausted, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: task.ErrorInfo{Code: code, Message: message}})
}

func writeErr(w http.ResponseWriter, status int, err error) {
	info := task.NewErrorInfo(err)
	if info == nil {
		info = &task.ErrorInfo{Code: string(xerrors.CodeUnknown), Message: http.StatusText(status)}
	}
	writeJSON(w, status, ErrorResponse{Error: *info})
}
