// Package handlers exposes the forum's HTTP API: auth with cookie sessions,
// paged chat history, the message send fallback, the user directory,
// notifications, and the websocket upgrade.
package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"github.com/openline-dev/forumchat/internal/protocol"
	"github.com/openline-dev/forumchat/internal/server/models"
	"github.com/openline-dev/forumchat/internal/server/ratelimit"
	"github.com/openline-dev/forumchat/internal/server/storage"
	"github.com/openline-dev/forumchat/internal/server/ws"
)

const (
	sessionCookie = "forum_session"
	sessionTTL    = 7 * 24 * time.Hour

	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Server struct {
	Store   *storage.Store
	Hub     *ws.Hub
	Limiter *ratelimit.RateLimiter
}

func New(store *storage.Store, hub *ws.Hub, limiter *ratelimit.RateLimiter) *Server {
	return &Server{Store: store, Hub: hub, Limiter: limiter}
}

func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthCheck)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/signup", s.handleSignUp)
	mux.HandleFunc("/api/signin", s.handleSignIn)
	mux.HandleFunc("/api/signout", s.handleSignOut)
	mux.HandleFunc("/api/session/validate", s.handleValidateSession)
	mux.HandleFunc("/api/users", s.handleUsers)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/messages/send", s.handleSendMessage)
	mux.HandleFunc("/api/messages/read", s.handleMarkMessagesRead)
	mux.HandleFunc("/api/notifications", s.handleNotifications)
	mux.HandleFunc("/api/notifications/mark-read", s.handleMarkNotificationRead)
	mux.HandleFunc("/api/notifications/mark-all-read", s.handleMarkAllNotificationsRead)
	return mux
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// --- Auth ---

type credentials struct {
	Nickname string `json:"nickname"`
	Password string `json:"password"`
}

type identityResponse struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Nickname == "" || creds.Password == "" {
		http.Error(w, "nickname and password required", http.StatusBadRequest)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	userID, err := s.Store.CreateUser(creds.Nickname, string(hash), "")
	if err != nil {
		http.Error(w, "nickname already taken", http.StatusConflict)
		return
	}

	if err := s.startSession(w, userID); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Everyone else learns about the new user immediately.
	s.Hub.Broadcast(protocol.NewUserFrame{
		Type: protocol.TypeNewUser,
		User: protocol.User{ID: strconv.Itoa(userID), Nickname: creds.Nickname, IsOnline: true},
	})

	writeJSON(w, identityResponse{UserID: strconv.Itoa(userID), Nickname: creds.Nickname})
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if !s.Limiter.CanAuth(ratelimit.GetClientIP(r)) {
		http.Error(w, "too many attempts, wait a minute", http.StatusTooManyRequests)
		return
	}

	var creds credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	user, err := s.Store.GetUserByNickname(creds.Nickname)
	if err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)); err != nil {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	if err := s.startSession(w, user.ID); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, identityResponse{UserID: strconv.Itoa(user.ID), Nickname: user.Nickname})
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		s.Store.DeleteSession(cookie.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleValidateSession(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, identityResponse{UserID: strconv.Itoa(user.ID), Nickname: user.Nickname})
}

func (s *Server) startSession(w http.ResponseWriter, userID int) error {
	token := uuid.NewString()
	if err := s.Store.CreateSession(models.Session{
		Token:     token,
		UserID:    userID,
		ExpiresAt: time.Now().Add(sessionTTL),
	}); err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		Expires:  time.Now().Add(sessionTTL),
		HttpOnly: true,
	})
	return nil
}

// currentUser resolves the session cookie, answering 401 itself on failure.
func (s *Server) currentUser(w http.ResponseWriter, r *http.Request) (*models.User, bool) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	user, err := s.Store.SessionUser(cookie.Value)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	return user, true
}

// --- Users ---

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.currentUser(w, r); !ok {
		return
	}
	users, err := s.Store.ListUsers()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	wire := make([]protocol.User, 0, len(users))
	for _, u := range users {
		wire = append(wire, u.Wire(s.Hub.Online(u.ID)))
	}
	writeJSON(w, wire)
}

// --- Messages ---

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.currentUser(w, r); !ok {
		return
	}

	q := r.URL.Query()
	user1, err1 := strconv.Atoi(q.Get("user1"))
	user2, err2 := strconv.Atoi(q.Get("user2"))
	if err1 != nil || err2 != nil {
		http.Error(w, "user1 and user2 required", http.StatusBadRequest)
		return
	}
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	msgs, err := s.Store.MessagesBetween(user1, user2, page, limit)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	wire := make([]protocol.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		wire = append(wire, m.Wire(""))
	}
	writeJSON(w, wire)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var in protocol.ChatMessage
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Content == "" {
		http.Error(w, "content required", http.StatusBadRequest)
		return
	}
	recipientID, err := strconv.Atoi(in.Recipient)
	if err != nil {
		http.Error(w, "bad recipient", http.StatusBadRequest)
		return
	}

	msg, err := s.Store.SaveMessage(user.ID, recipientID, in.Content)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.Hub.DeliverMessage(msg, in.CorrelationID)

	writeJSON(w, map[string]interface{}{
		"success": true,
		"message": msg.Wire(in.CorrelationID),
	})
}

func (s *Server) handleMarkMessagesRead(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var in struct {
		SenderID string `json:"sender_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	senderID, err := strconv.Atoi(in.SenderID)
	if err != nil {
		http.Error(w, "bad sender", http.StatusBadRequest)
		return
	}

	if err := s.Store.MarkMessagesRead(user.ID, senderID); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	// Tell the sender their messages were read.
	s.Hub.SendToUser(senderID, protocol.MessageReadFrame{
		Type:       protocol.TypeMessageRead,
		SenderID:   in.SenderID,
		ReceiverID: strconv.Itoa(user.ID),
	})
	w.WriteHeader(http.StatusOK)
}

// --- Notifications ---

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	notifs, err := s.Store.Notifications(user.ID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	count, err := s.Store.UnreadNotificationCount(user.ID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	wire := make([]protocol.Notification, 0, len(notifs))
	for _, n := range notifs {
		wire = append(wire, n.Wire())
	}
	writeJSON(w, map[string]interface{}{
		"notifications": wire,
		"unread_count":  count,
	})
}

func (s *Server) handleMarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}

	var in struct {
		NotificationID string `json:"notification_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	notifID, err := strconv.Atoi(in.NotificationID)
	if err != nil {
		http.Error(w, "bad notification id", http.StatusBadRequest)
		return
	}

	if err := s.Store.MarkNotificationRead(user.ID, notifID); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMarkAllNotificationsRead(w http.ResponseWriter, r *http.Request) {
	user, ok := s.currentUser(w, r)
	if !ok {
		return
	}
	if err := s.Store.MarkAllNotificationsRead(user.ID); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- WebSocket ---

// handleWebSocket upgrades the connection. The session cookie authenticates
// when present; the user_id query parameter keeps older clients working.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := ratelimit.GetClientIP(r)
	if !s.Limiter.CanConnect(clientIP) {
		http.Error(w, "too many connections from your IP", http.StatusTooManyRequests)
		log.Printf("rate limited connection from %s", clientIP)
		return
	}

	var user *models.User
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		user, _ = s.Store.SessionUser(cookie.Value)
	}
	if user == nil {
		userID, err := strconv.Atoi(r.URL.Query().Get("user_id"))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		user, err = s.Store.GetUserByID(userID)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("upgrade error:", err)
		return
	}

	s.Limiter.AddConnection(clientIP)

	client := &ws.Client{
		Hub:      s.Hub,
		Conn:     conn,
		Send:     make(chan []byte, 256),
		UserID:   user.ID,
		Nickname: user.Nickname,
		IP:       clientIP,
	}
	s.Hub.Register <- client

	go func() {
		defer s.Limiter.RemoveConnection(clientIP)
		client.WritePump()
	}()
	go client.ReadPump()
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}
