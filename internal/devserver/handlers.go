package devserver

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/classchat/internal/logger"
	"github.com/classchat/internal/model"
)

// handleLogin implements the OAuth2 password flow: form-encoded
// username/password in, bearer token out.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid form body")
		return
	}
	email := r.PostForm.Get("username")
	password := r.PostForm.Get("password")

	user, ok := s.state.Authenticate(email, password)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "Incorrect email or password")
		return
	}

	token, err := issueToken(user.ID, s.cfg.JWTSecret, s.cfg.TokenTTL)
	if err != nil {
		logger.Errorf("devserver: issue token: %v", err)
		writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	writeJSON(w, http.StatusOK, model.Token{AccessToken: token, TokenType: "bearer"})
}

// handleCurrentUser returns the authenticated user. User endpoints wrap their
// payload as {"data": ...}; chat endpoints do not.
func (s *Server) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	user, ok := s.state.UserByID(GetUserID(r.Context()))
	if !ok {
		writeDetail(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": user})
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 100)
	chats := s.state.ChatsFor(GetUserID(r.Context()), skip, limit)
	writeJSON(w, http.StatusOK, chats)
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var in model.ChatCreate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if in.ChatType != model.ChatTypeDirect && in.ChatType != model.ChatTypeGroup {
		writeDetail(w, http.StatusBadRequest, "invalid chat_type")
		return
	}
	chat := s.state.CreateChat(GetUserID(r.Context()), in)
	writeJSON(w, http.StatusOK, chat)
}

// requireChatMember resolves the chat id from the URL and checks membership.
// Returns (0, false) after writing the error response.
func (s *Server) requireChatMember(w http.ResponseWriter, r *http.Request) (int64, bool) {
	chatID, ok := pathInt64(r, "chatId")
	if !ok {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid chat id")
		return 0, false
	}
	if _, ok := s.state.ChatByID(chatID); !ok {
		writeDetail(w, http.StatusNotFound, "Chat not found")
		return 0, false
	}
	if !s.state.IsMember(chatID, GetUserID(r.Context())) {
		writeDetail(w, http.StatusForbidden, "Not a member of this chat")
		return 0, false
	}
	return chatID, true
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	chatID, ok := s.requireChatMember(w, r)
	if !ok {
		return
	}
	skip := queryInt(r, "skip", 0)
	limit := queryInt(r, "limit", 50)
	writeJSON(w, http.StatusOK, s.state.MessagesPage(chatID, skip, limit))
}

// handleSendMessage is the REST send path, used for attachment messages. The
// created message is also broadcast to the chat's live room.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	chatID, ok := s.requireChatMember(w, r)
	if !ok {
		return
	}
	var in model.MessageCreate
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(in.Body) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "message must not be empty")
		return
	}

	msg := s.state.AppendMessage(chatID, GetUserID(r.Context()), in.Body, in.BatchID)
	s.hub.broadcast(chatID, msg)
	writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	chatID, ok := s.requireChatMember(w, r)
	if !ok {
		return
	}
	messageID, ok := pathInt64(r, "messageId")
	if !ok {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid message id")
		return
	}
	receipt, ok := s.state.MarkRead(chatID, messageID, GetUserID(r.Context()))
	if !ok {
		writeDetail(w, http.StatusNotFound, "Message not found")
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// handleUpload stores a multipart "file" under the upload dir with a
// collision-free name and returns the resource record pointing at it.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	chatID, ok := s.requireChatMember(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSize)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close()

	fileName := filepath.Base(hdr.Filename)
	stored := uuid.NewString() + "_" + fileName
	if err := os.MkdirAll(s.cfg.UploadDir, 0o755); err != nil {
		logger.Errorf("devserver: create upload dir: %v", err)
		writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	dst, err := os.Create(filepath.Join(s.cfg.UploadDir, stored))
	if err != nil {
		logger.Errorf("devserver: create upload file: %v", err)
		writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	defer dst.Close()
	if _, err := io.Copy(dst, file); err != nil {
		logger.Errorf("devserver: write upload: %v", err)
		writeDetail(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	contentType := hdr.Header.Get("Content-Type")
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(fileName))
	}
	fileURL := s.publicBase(r) + "/files/" + stored
	res := s.state.AddResource(chatID, GetUserID(r.Context()), fileName, contentType, fileURL)
	writeJSON(w, http.StatusOK, res)
}

// publicBase is the prefix uploaded-file URLs are built from. Falls back to
// the request's own host so the default config works behind httptest too.
func (s *Server) publicBase(r *http.Request) string {
	if s.cfg.PublicBaseURL != "" {
		return strings.TrimSuffix(s.cfg.PublicBaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

func (s *Server) handleServeFile(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(strings.TrimPrefix(r.URL.Path, "/files/"))
	if name == "." || name == "/" {
		writeDetail(w, http.StatusNotFound, "File not found")
		return
	}
	path := filepath.Join(s.cfg.UploadDir, name)
	if _, err := os.Stat(path); err != nil {
		writeDetail(w, http.StatusNotFound, "File not found")
		return
	}
	http.ServeFile(w, r, path)
}

// handleServeWS upgrades a chat member's connection and attaches it to the
// chat's room. Inbound text frames are persisted and broadcast to the room,
// sender included.
func (s *Server) handleServeWS(w http.ResponseWriter, r *http.Request) {
	chatID, ok := s.requireChatMember(w, r)
	if !ok {
		return
	}
	userID := GetUserID(r.Context())

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return s.checkOrigin(r) },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("devserver: ws upgrade: %v", err)
		return
	}

	client := newRoomClient(s.hub, conn, chatID, userID, func(body string, batchID *int64) model.Message {
		return s.state.AppendMessage(chatID, userID, body, batchID)
	})
	client.start()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := strings.TrimSpace(s.cfg.CORSAllowedOrigins)
	if allowed == "*" || allowed == "" {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(allowed, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ok")
}
