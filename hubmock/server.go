// Package hubmock is an in-process stand-in for the provisioning service
// and the hub's device-facing HTTP surface. It validates the same SAS
// tokens real devices would present, walks registrations through the
// assigning/assigned operation flow, and records everything devices send
// so tests and local runs can assert on it.
package hubmock

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/apollo/cohort/device"
)

// RecordedMessage is one device-to-cloud message as the hub saw it.
type RecordedMessage struct {
	DeviceID        string
	MessageType     string
	FirmwareVersion string
	Body            json.RawMessage
	ReceivedAt      time.Time
}

type registrationOp struct {
	deviceID string
	polls    int
}

// Server holds the mock's mutable world: registrations in flight, twins,
// recorded messages, and hosted firmware blobs.
type Server struct {
	idScope  string
	groupKey string
	logger   logr.Logger

	mu               sync.Mutex
	hubHost          string
	assigningPolls   int
	failRegistration map[string]bool
	operations       map[string]*registrationOp
	messages         []RecordedMessage
	desired          map[string]device.DesiredState
	reported         map[string]map[string]any
	firmware         map[string][]byte
}

// New builds a mock scoped to one enrollment group. Devices registering
// under a different idScope or an unverifiable token are rejected.
func New(idScope, groupKey string, logger logr.Logger) *Server {
	return &Server{
		idScope:          idScope,
		groupKey:         groupKey,
		logger:           logger.WithName("hubmock"),
		failRegistration: make(map[string]bool),
		operations:       make(map[string]*registrationOp),
		desired:          make(map[string]device.DesiredState),
		reported:         make(map[string]map[string]any),
		firmware:         make(map[string][]byte),
	}
}

// Handler returns the HTTP surface: provisioning, device messaging, twin
// document, and firmware hosting.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/{scope}/registrations/{device}/register", s.handleRegister).Methods(http.MethodPut)
	r.HandleFunc("/{scope}/registrations/{device}/operations/{op}", s.handleOperation).Methods(http.MethodGet)
	r.HandleFunc("/devices/{device}/messages/events", s.handleMessage).Methods(http.MethodPost)
	r.HandleFunc("/twins/{device}", s.handleTwin).Methods(http.MethodGet)
	r.HandleFunc("/twins/{device}/properties/reported", s.handleReported).Methods(http.MethodPatch)
	r.HandleFunc("/firmware/{name}", s.handleFirmware).Methods(http.MethodGet)
	return r
}

// SetHubHost sets the endpoint advertised as assignedHub. Call it with
// the server's own base URL once the listener is bound.
func (s *Server) SetHubHost(host string) {
	s.mu.Lock()
	s.hubHost = host
	s.mu.Unlock()
}

// SetAssigningPolls makes each registration report "assigning" for n
// operation polls before resolving to "assigned".
func (s *Server) SetAssigningPolls(n int) {
	s.mu.Lock()
	s.assigningPolls = n
	s.mu.Unlock()
}

// FailRegistration forces the named device's assignment to resolve as
// "failed".
func (s *Server) FailRegistration(deviceID string) {
	s.mu.Lock()
	s.failRegistration[deviceID] = true
	s.mu.Unlock()
}

// SetDesiredFirmware publishes a firmware update in the device's
// desired-state document.
func (s *Server) SetDesiredFirmware(deviceID string, req device.FirmwareUpdateRequest) {
	s.mu.Lock()
	s.desired[deviceID] = device.DesiredState{FirmwareUpdate: &req}
	s.mu.Unlock()
}

// HostFirmware serves body at /firmware/{name}.
func (s *Server) HostFirmware(name string, body []byte) {
	s.mu.Lock()
	s.firmware[name] = body
	s.mu.Unlock()
}

// Messages snapshots recorded messages for one device; empty deviceID
// returns everything.
func (s *Server) Messages(deviceID string) []RecordedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecordedMessage, 0, len(s.messages))
	for _, m := range s.messages {
		if deviceID == "" || m.DeviceID == deviceID {
			out = append(out, m)
		}
	}
	return out
}

// Reported snapshots the device's reported-state document.
func (s *Server) Reported(deviceID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.reported[deviceID]))
	for k, v := range s.reported[deviceID] {
		out[k] = v
	}
	return out
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	scope, deviceID := vars["scope"], vars["device"]

	if scope != s.idScope {
		s.respondJSON(w, http.StatusUnauthorized, map[string]string{"message": "unknown id scope"})
		return
	}
	if !s.authorize(r, deviceID) {
		s.respondJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid SAS token"})
		return
	}

	var body struct {
		RegistrationID string `json:"registrationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.RegistrationID != deviceID {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"message": "registrationId must match path"})
		return
	}

	opID := uuid.NewString()
	s.mu.Lock()
	s.operations[opID] = &registrationOp{deviceID: deviceID}
	s.mu.Unlock()

	s.logger.V(1).Info("registration accepted", "device", deviceID, "operationId", opID)
	s.respondJSON(w, http.StatusAccepted, map[string]string{
		"operationId": opID,
		"status":      "assigning",
	})
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	scope, deviceID, opID := vars["scope"], vars["device"], vars["op"]

	if scope != s.idScope || !s.authorize(r, deviceID) {
		s.respondJSON(w, http.StatusUnauthorized, map[string]string{"message": "unauthorized"})
		return
	}

	s.mu.Lock()
	op, ok := s.operations[opID]
	if !ok || op.deviceID != deviceID {
		s.mu.Unlock()
		s.respondJSON(w, http.StatusNotFound, map[string]string{"message": "unknown operation"})
		return
	}
	op.polls++
	pending := op.polls <= s.assigningPolls
	failed := s.failRegistration[deviceID]
	hub := s.hubHost
	s.mu.Unlock()

	switch {
	case pending:
		s.respondJSON(w, http.StatusOK, map[string]any{"operationId": opID, "status": "assigning"})
	case failed:
		s.respondJSON(w, http.StatusOK, map[string]any{
			"operationId": opID,
			"status":      "failed",
			"registrationState": map[string]any{
				"deviceId":  deviceID,
				"status":    "failed",
				"errorCode": 401002,
			},
		})
	default:
		s.respondJSON(w, http.StatusOK, map[string]any{
			"operationId": opID,
			"status":      "assigned",
			"registrationState": map[string]any{
				"deviceId":    deviceID,
				"assignedHub": hub,
				"status":      "assigned",
			},
		})
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device"]
	if !s.authorize(r, deviceID) {
		s.respondJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid SAS token"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"message": "unreadable body"})
		return
	}

	s.mu.Lock()
	s.messages = append(s.messages, RecordedMessage{
		DeviceID:        deviceID,
		MessageType:     r.Header.Get("iothub-app-messageType"),
		FirmwareVersion: r.Header.Get("iothub-app-firmwareVersion"),
		Body:            json.RawMessage(body),
		ReceivedAt:      time.Now(),
	})
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTwin(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device"]
	if !s.authorize(r, deviceID) {
		s.respondJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid SAS token"})
		return
	}

	s.mu.Lock()
	desired := s.desired[deviceID]
	reported := s.reported[deviceID]
	s.mu.Unlock()

	s.respondJSON(w, http.StatusOK, map[string]any{
		"deviceId": deviceID,
		"desired":  desired,
		"reported": reported,
	})
}

func (s *Server) handleReported(w http.ResponseWriter, r *http.Request) {
	deviceID := mux.Vars(r)["device"]
	if !s.authorize(r, deviceID) {
		s.respondJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid SAS token"})
		return
	}

	var patch map[string]any
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid JSON body"})
		return
	}

	s.mu.Lock()
	if s.reported[deviceID] == nil {
		s.reported[deviceID] = make(map[string]any)
	}
	for k, v := range patch {
		s.reported[deviceID][k] = v
	}
	s.mu.Unlock()

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFirmware(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	s.mu.Lock()
	body, ok := s.firmware[name]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(body)
}

// authorize validates a SharedAccessSignature against the key this mock
// would itself derive for the device from the enrollment-group key.
func (s *Server) authorize(r *http.Request, deviceID string) bool {
	sr, sig, se, ok := parseSASToken(r.Header.Get("Authorization"))
	if !ok {
		return false
	}

	expiry, err := strconv.ParseInt(se, 10, 64)
	if err != nil || time.Now().Unix() >= expiry {
		return false
	}
	// The token must be bound to this device's resource.
	if unescaped, err := url.QueryUnescape(sr); err != nil ||
		(!strings.HasSuffix(unescaped, "/registrations/"+deviceID) && !strings.HasSuffix(unescaped, "/devices/"+deviceID)) {
		return false
	}

	deviceKey, err := device.DeriveDeviceKey(s.groupKey, deviceID)
	if err != nil {
		s.logger.Error(err, "cannot derive device key")
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(deviceKey)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, raw)
	mac.Write([]byte(sr + "\n" + se))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	presented, err := url.QueryUnescape(sig)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(presented), []byte(expected))
}

func parseSASToken(header string) (sr, sig, se string, ok bool) {
	const prefix = "SharedAccessSignature "
	if !strings.HasPrefix(header, prefix) {
		return "", "", "", false
	}
	for _, part := range strings.Split(strings.TrimPrefix(header, prefix), "&") {
		k, v, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch k {
		case "sr":
			sr = v
		case "sig":
			sig = v
		case "se":
			se = v
		}
	}
	return sr, sig, se, sr != "" && sig != "" && se != ""
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.V(1).Info("encode response failed", "error", fmt.Sprint(err))
	}
}
