package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andres-erbsen/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"flashtransfer/models"
	"flashtransfer/storage"
)

// FileProgress directions.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

const (
	partialSuffix   = ".part"
	defaultFileName = "file.bin"
	defaultMimeType = "application/octet-stream"
)

var (
	// ErrSessionClosed indicates the session's channel is gone.
	ErrSessionClosed = errors.New("network: session closed")
	// ErrTransferRejected indicates the peer refused a transfer.
	ErrTransferRejected = errors.New("network: transfer rejected by peer")
	// ErrFileUnavailable indicates the peer no longer offers a requested file.
	ErrFileUnavailable = errors.New("network: requested file is not offered")
)

// FileProgress is emitted after every slice sent or received.
type FileProgress struct {
	MessageID        string
	FileName         string
	Direction        string
	BytesTransferred int64
	TotalBytes       int64
	Percent          int
	Completed        bool
}

// OutgoingFile is a local file queued for sending. Name and MimeType default
// to the path's base name and extension type.
type OutgoingFile struct {
	Path     string
	Name     string
	MimeType string
}

// SessionOptions configures the transfer protocol on an open channel.
type SessionOptions struct {
	DownloadDir string
	ChunkSize   int

	OnMessage      func(models.ChatMessage)
	OnProgress     func(FileProgress)
	OnFilesOffered func([]models.FileDescriptor)
	OnPeerLeft     func()

	Logger *zap.Logger
	Clock  clock.Clock
}

type outboundFileTransfer struct {
	MessageID  string
	SourcePath string
	File       models.FileDescriptor
}

type inboundFileTransfer struct {
	CorrelationID string
	MessageID     string
	File          models.FileDescriptor

	TempPath      string
	Writer        *os.File
	BytesReceived int64
	Percent       int
}

// Session runs the transfer protocol over one open endpoint: chat, pushed
// files, the pull queue, and the transcript for the connection code.
type Session struct {
	code        string
	endpoint    Endpoint
	transcripts TranscriptStore
	options     SessionOptions
	logger      *zap.Logger
	clock       clock.Clock
	report      func(error)

	mu          sync.Mutex
	closed      bool
	messages    []models.ChatMessage
	index       map[string]int
	stats       SessionStats
	peerLeft    bool
	remoteFiles []models.FileDescriptor
	offered     map[string]OutgoingFile
	rejected    map[string]bool
	// refused maps inbound correlation ids this side rejected to the bytes
	// still arriving for them.
	refused     map[string]int64
	outbound    []outboundFileTransfer
	inbound     *inboundFileTransfer
	pullQueue   []string

	persistMu sync.Mutex
	wake      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

func newSession(code string, endpoint Endpoint, transcripts TranscriptStore, options SessionOptions, report func(error)) *Session {
	if options.ChunkSize <= 0 || options.ChunkSize > DefaultChunkSize {
		options.ChunkSize = DefaultChunkSize
	}
	if options.DownloadDir == "" {
		options.DownloadDir = "."
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if report == nil {
		report = func(error) {}
	}

	s := &Session{
		code:        code,
		endpoint:    endpoint,
		transcripts: transcripts,
		options:     options,
		logger:      options.Logger.With(zap.String("code", code)),
		clock:       options.Clock,
		report:      report,
		index:       make(map[string]int),
		offered:     make(map[string]OutgoingFile),
		rejected:    make(map[string]bool),
		refused:     make(map[string]int64),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	s.stats.StartedAt = s.clock.Now().UnixMilli()
	s.restoreTranscript()

	s.wg.Add(1)
	go s.runSender()
	return s
}

// Code returns the connection code the transcript is stored under.
func (s *Session) Code() string {
	return s.code
}

// Messages returns a copy of the transcript.
func (s *Session) Messages() []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ChatMessage(nil), s.messages...)
}

// Message returns one transcript entry by id.
func (s *Session) Message(id string) (models.ChatMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.index[id]
	if !ok {
		return models.ChatMessage{}, false
	}
	return s.messages[pos], true
}

// Stats returns the session's transfer totals.
func (s *Session) Stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats.clone()
}

// PeerLeft reports whether the remote side announced the end of the session.
func (s *Session) PeerLeft() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerLeft
}

// RemoteFiles returns the latest file list offered by the peer.
func (s *Session) RemoteFiles() []models.FileDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.FileDescriptor(nil), s.remoteFiles...)
}

// SendChat sends one chat line and records it.
func (s *Session) SendChat(text string) (models.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ChatMessage{}, fmt.Errorf("%w: empty chat message", models.ErrInvalidInput)
	}
	if s.isClosed() {
		return models.ChatMessage{}, ErrSessionClosed
	}
	if err := s.sendControl(ChatText{Type: TypeChat, Text: text}); err != nil {
		return models.ChatMessage{}, err
	}

	msg := models.ChatMessage{
		ID:        uuid.NewString(),
		Sender:    models.SenderMe,
		Kind:      models.MessageKindText,
		Text:      text,
		Timestamp: s.clock.Now().UnixMilli(),
	}
	s.addMessage(msg)
	return msg, nil
}

// SendFile queues a local file for sending and returns its transcript entry.
// Files are sent one at a time in queue order.
func (s *Session) SendFile(file OutgoingFile) (models.ChatMessage, error) {
	descriptor, err := describeFile(file)
	if err != nil {
		return models.ChatMessage{}, err
	}

	msg := models.ChatMessage{
		ID:         uuid.NewString(),
		Sender:     models.SenderMe,
		Kind:       models.MessageKindFile,
		File:       &descriptor,
		Timestamp:  s.clock.Now().UnixMilli(),
		FileStatus: models.FileStatusSending,
		LocalPath:  file.Path,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.ChatMessage{}, ErrSessionClosed
	}
	s.outbound = append(s.outbound, outboundFileTransfer{
		MessageID:  msg.ID,
		SourcePath: file.Path,
		File:       descriptor,
	})
	s.mu.Unlock()

	s.addMessage(msg)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return msg, nil
}

// OfferFiles advertises files the peer may pull with RequestFile. A later
// offer replaces the earlier one.
func (s *Session) OfferFiles(files ...OutgoingFile) error {
	descriptors := make([]models.FileDescriptor, 0, len(files))
	offered := make(map[string]OutgoingFile, len(files))
	for _, file := range files {
		descriptor, err := describeFile(file)
		if err != nil {
			return err
		}
		file.Name = descriptor.Name
		file.MimeType = descriptor.MimeType
		offered[descriptor.Name] = file
		descriptors = append(descriptors, descriptor)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.offered = offered
	s.mu.Unlock()

	return s.sendControl(FileList{Type: TypeFileList, Files: descriptors})
}

// RequestFile appends name to the pull queue. Only the head of the queue is
// requested; the next request goes out once the head completes or fails.
func (s *Session) RequestFile(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: file name is required", models.ErrInvalidInput)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.pullQueue = append(s.pullQueue, name)
	head := len(s.pullQueue) == 1
	s.mu.Unlock()

	if !head {
		return nil
	}
	return s.sendControl(FileRequest{Type: TypeFileRequest, FileName: name})
}

// PendingRequests returns the pull queue, head first.
func (s *Session) PendingRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pullQueue...)
}

func (s *Session) announceSessionEnded() {
	if err := s.sendControl(SystemNotice{Type: TypeSystem, Action: ActionSessionEnded}); err != nil {
		s.logger.Debug("session end notice not delivered", zap.Error(err))
	}
}

// close stops the sender and fails every transfer that can no longer finish.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := s.outbound
	s.outbound = nil
	inbound := s.inbound
	s.inbound = nil
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	for _, transfer := range pending {
		s.failMessage(transfer.MessageID, ErrSessionClosed)
	}
	if inbound != nil {
		discardPartial(inbound)
		s.failMessage(inbound.MessageID, ErrSessionClosed)
	}
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) runSender() {
	defer s.wg.Done()

	for {
		transfer, ok := s.nextOutbound()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		if err := s.runOutboundFileTransfer(transfer); err != nil {
			s.logger.Warn("file send failed", zap.String("file", transfer.File.Name), zap.Error(err))
			s.failMessage(transfer.MessageID, err)
			s.report(fmt.Errorf("send %q: %w", transfer.File.Name, err))
		}
	}
}

func (s *Session) nextOutbound() (outboundFileTransfer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.outbound) == 0 {
		return outboundFileTransfer{}, false
	}
	transfer := s.outbound[0]
	s.outbound = s.outbound[1:]
	return transfer, true
}

func (s *Session) runOutboundFileTransfer(transfer outboundFileTransfer) error {
	file, err := os.Open(transfer.SourcePath)
	if err != nil {
		return fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	if err := s.sendControl(TransferStart{
		Type:          TypeTransferStart,
		FileName:      transfer.File.Name,
		FileSize:      transfer.File.Size,
		MimeType:      transfer.File.MimeType,
		CorrelationID: transfer.MessageID,
	}); err != nil {
		return err
	}

	var sent int64
	for sent < transfer.File.Size {
		if err := s.checkSendable(transfer.MessageID); err != nil {
			return err
		}

		chunk, err := readFileChunk(file, sent, chunkLength(transfer.File.Size-sent, s.options.ChunkSize))
		if err != nil {
			return err
		}
		frame, err := EncodeChunk(transfer.MessageID, chunk)
		if err != nil {
			return err
		}
		if err := s.endpoint.Send(frame); err != nil {
			return err
		}

		sent += int64(len(chunk))
		s.updateTransferProgress(transfer.MessageID, transfer.File, DirectionSend, sent, false)
	}

	if err := s.checkSendable(transfer.MessageID); err != nil {
		return err
	}
	if err := s.sendControl(TransferComplete{
		Type:          TypeTransferComplete,
		FileName:      transfer.File.Name,
		CorrelationID: transfer.MessageID,
	}); err != nil {
		return err
	}

	s.mu.Lock()
	s.stats.record(transfer.File, true)
	s.mu.Unlock()

	s.updateTransferProgress(transfer.MessageID, transfer.File, DirectionSend, sent, true)
	s.finishMessage(transfer.MessageID, func(msg *models.ChatMessage) {
		msg.FileStatus = models.FileStatusSent
		msg.Progress = 100
	})
	return nil
}

func (s *Session) checkSendable(correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.rejected[correlationID] {
		return ErrTransferRejected
	}
	return nil
}

func (s *Session) handleFrame(raw []byte) {
	frame, err := DecodeFrame(raw)
	if err != nil {
		s.report(fmt.Errorf("%w: %v", models.ErrProtocolViolation, err))
		return
	}

	if frame.Tag == FrameChunk {
		s.handleFileData(frame.CorrelationID, frame.Data)
		return
	}

	msgType, err := DecodeMessageType(frame.Payload)
	if err != nil {
		s.report(fmt.Errorf("%w: %v", models.ErrProtocolViolation, err))
		return
	}

	switch msgType {
	case TypeFileList:
		var list FileList
		if s.decodeControl(frame.Payload, &list) {
			s.handleFileList(list)
		}
	case TypeFileRequest:
		var request FileRequest
		if s.decodeControl(frame.Payload, &request) {
			s.handleFileRequest(request)
		}
	case TypeTransferStart:
		var start TransferStart
		if s.decodeControl(frame.Payload, &start) {
			s.handleTransferStart(start)
		}
	case TypeTransferComplete:
		var complete TransferComplete
		if s.decodeControl(frame.Payload, &complete) {
			s.handleTransferComplete(complete)
		}
	case TypeChat:
		var chat ChatText
		if s.decodeControl(frame.Payload, &chat) {
			s.handleChat(chat)
		}
	case TypeSystem:
		var notice SystemNotice
		if s.decodeControl(frame.Payload, &notice) {
			s.handleSystem(notice)
		}
	default:
		s.logger.Debug("ignoring unknown control message", zap.String("type", msgType))
	}
}

func (s *Session) decodeControl(payload []byte, out any) bool {
	if err := json.Unmarshal(payload, out); err != nil {
		s.report(fmt.Errorf("%w: decode control message: %v", models.ErrProtocolViolation, err))
		return false
	}
	return true
}

func (s *Session) handleFileList(list FileList) {
	files := append([]models.FileDescriptor(nil), list.Files...)
	s.mu.Lock()
	s.remoteFiles = files
	s.mu.Unlock()

	if s.options.OnFilesOffered != nil {
		s.options.OnFilesOffered(append([]models.FileDescriptor(nil), files...))
	}
}

func (s *Session) handleFileRequest(request FileRequest) {
	s.mu.Lock()
	file, ok := s.offered[request.FileName]
	s.mu.Unlock()

	if !ok {
		if err := s.sendControl(SystemNotice{
			Type:   TypeSystem,
			Action: ActionFileUnavailable,
			Detail: request.FileName,
		}); err != nil {
			s.report(err)
		}
		return
	}
	if _, err := s.SendFile(file); err != nil {
		s.report(fmt.Errorf("queue requested file %q: %w", request.FileName, err))
	}
}

func (s *Session) handleTransferStart(start TransferStart) {
	descriptor := models.FileDescriptor{
		Name:     safeFileName(start.FileName),
		Size:     start.FileSize,
		MimeType: start.MimeType,
	}
	if descriptor.MimeType == "" {
		descriptor.MimeType = defaultMimeType
	}
	msg := models.ChatMessage{
		ID:         uuid.NewString(),
		Sender:     models.SenderPeer,
		Kind:       models.MessageKindFile,
		File:       &descriptor,
		Timestamp:  s.clock.Now().UnixMilli(),
		FileStatus: models.FileStatusReceiving,
	}

	if start.CorrelationID == "" || start.FileSize < 0 {
		msg.FileStatus = models.FileStatusError
		s.addMessage(msg)
		s.report(fmt.Errorf("%w: invalid transferStart for %q", models.ErrProtocolViolation, start.FileName))
		s.advancePullQueue(start.FileName)
		return
	}

	s.mu.Lock()
	busy := s.inbound != nil
	if busy {
		s.refused[start.CorrelationID] = 0
	}
	s.mu.Unlock()
	if busy {
		msg.FileStatus = models.FileStatusError
		s.addMessage(msg)
		if err := s.sendControl(SystemNotice{
			Type:          TypeSystem,
			Action:        ActionTransferRejected,
			CorrelationID: start.CorrelationID,
			Detail:        "another transfer is in progress",
		}); err != nil {
			s.report(err)
		}
		return
	}

	if err := os.MkdirAll(s.options.DownloadDir, 0o755); err != nil {
		s.rejectStart(msg, start, fmt.Errorf("create download directory: %w", err))
		return
	}
	tempPath := filepath.Join(s.options.DownloadDir, descriptor.Name+partialSuffix)
	writer, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		s.rejectStart(msg, start, fmt.Errorf("create partial file: %w", err))
		return
	}

	s.mu.Lock()
	s.inbound = &inboundFileTransfer{
		CorrelationID: start.CorrelationID,
		MessageID:     msg.ID,
		File:          descriptor,
		TempPath:      tempPath,
		Writer:        writer,
	}
	s.mu.Unlock()

	s.addMessage(msg)
	s.emitFileProgress(FileProgress{
		MessageID:  msg.ID,
		FileName:   descriptor.Name,
		Direction:  DirectionReceive,
		TotalBytes: descriptor.Size,
	})
}

func (s *Session) rejectStart(msg models.ChatMessage, start TransferStart, cause error) {
	s.mu.Lock()
	s.refused[start.CorrelationID] = 0
	s.mu.Unlock()

	msg.FileStatus = models.FileStatusError
	s.addMessage(msg)
	s.report(fmt.Errorf("receive %q: %w", start.FileName, cause))
	if err := s.sendControl(SystemNotice{
		Type:          TypeSystem,
		Action:        ActionTransferRejected,
		CorrelationID: start.CorrelationID,
		Detail:        "receiver cannot store the file",
	}); err != nil {
		s.report(err)
	}
	s.advancePullQueue(start.FileName)
}

func (s *Session) handleFileData(correlationID string, data []byte) {
	s.mu.Lock()
	if dropped, ok := s.refused[correlationID]; ok {
		s.refused[correlationID] = dropped + int64(len(data))
		s.mu.Unlock()
		s.logger.Debug("dropping chunk of rejected transfer", zap.String("correlation_id", correlationID), zap.Int("bytes", len(data)))
		return
	}
	transfer := s.inbound
	if transfer == nil {
		s.mu.Unlock()
		s.report(fmt.Errorf("%w: chunk for %s with no open transfer", models.ErrProtocolViolation, correlationID))
		return
	}
	if transfer.CorrelationID != correlationID {
		s.inbound = nil
		s.mu.Unlock()
		s.dropInbound(transfer, fmt.Errorf("%w: chunk for %s while %s is open", models.ErrProtocolViolation, correlationID, transfer.CorrelationID))
		return
	}
	if transfer.BytesReceived+int64(len(data)) > transfer.File.Size {
		s.inbound = nil
		s.mu.Unlock()
		s.dropInbound(transfer, fmt.Errorf("%w: %q overflows declared size %d", models.ErrProtocolViolation, transfer.File.Name, transfer.File.Size))
		return
	}
	if _, err := transfer.Writer.Write(data); err != nil {
		s.inbound = nil
		s.mu.Unlock()
		s.dropInbound(transfer, fmt.Errorf("write partial file: %w", err))
		return
	}
	transfer.BytesReceived += int64(len(data))
	received := transfer.BytesReceived
	s.mu.Unlock()

	s.updateTransferProgress(transfer.MessageID, transfer.File, DirectionReceive, received, false)
}

func (s *Session) handleTransferComplete(complete TransferComplete) {
	s.mu.Lock()
	if dropped, ok := s.refused[complete.CorrelationID]; ok {
		delete(s.refused, complete.CorrelationID)
		s.mu.Unlock()
		s.report(fmt.Errorf("%w: dropped %d bytes of rejected transfer %q", ErrTransferRejected, dropped, complete.FileName))
		return
	}
	transfer := s.inbound
	if transfer == nil || transfer.CorrelationID != complete.CorrelationID {
		s.inbound = nil
		s.mu.Unlock()
		err := fmt.Errorf("%w: transferComplete for %s with no matching transfer", models.ErrProtocolViolation, complete.CorrelationID)
		if transfer != nil {
			s.dropInbound(transfer, err)
		} else {
			s.report(err)
		}
		return
	}
	s.inbound = nil
	s.mu.Unlock()

	if transfer.BytesReceived != transfer.File.Size {
		s.dropInbound(transfer, fmt.Errorf("%w: %q completed at %d of %d bytes", models.ErrProtocolViolation, transfer.File.Name, transfer.BytesReceived, transfer.File.Size))
		return
	}

	if err := transfer.Writer.Close(); err != nil {
		transfer.Writer = nil
		s.dropInbound(transfer, fmt.Errorf("close partial file: %w", err))
		return
	}
	transfer.Writer = nil

	finalPath, err := availablePath(s.options.DownloadDir, transfer.File.Name)
	if err == nil {
		err = os.Rename(transfer.TempPath, finalPath)
	}
	if err != nil {
		s.dropInbound(transfer, fmt.Errorf("move received file: %w", err))
		return
	}

	s.mu.Lock()
	s.stats.record(transfer.File, false)
	s.mu.Unlock()

	s.updateTransferProgress(transfer.MessageID, transfer.File, DirectionReceive, transfer.BytesReceived, true)
	s.finishMessage(transfer.MessageID, func(msg *models.ChatMessage) {
		msg.FileStatus = models.FileStatusReceived
		msg.Progress = 100
		msg.LocalPath = finalPath
	})
	s.logger.Info("file received", zap.String("file", transfer.File.Name), zap.String("path", finalPath))
	s.advancePullQueue(transfer.File.Name)
}

// dropInbound discards a transfer that can no longer complete.
func (s *Session) dropInbound(transfer *inboundFileTransfer, cause error) {
	discardPartial(transfer)
	s.failMessage(transfer.MessageID, cause)
	s.report(cause)
	s.advancePullQueue(transfer.File.Name)
}

func (s *Session) handleChat(chat ChatText) {
	s.addMessage(models.ChatMessage{
		ID:        uuid.NewString(),
		Sender:    models.SenderPeer,
		Kind:      models.MessageKindText,
		Text:      chat.Text,
		Timestamp: s.clock.Now().UnixMilli(),
	})
}

func (s *Session) handleSystem(notice SystemNotice) {
	switch notice.Action {
	case ActionSessionEnded:
		s.mu.Lock()
		s.peerLeft = true
		s.mu.Unlock()
		if s.options.OnPeerLeft != nil {
			s.options.OnPeerLeft()
		}
	case ActionTransferRejected:
		s.mu.Lock()
		s.rejected[notice.CorrelationID] = true
		s.mu.Unlock()
	case ActionFileUnavailable:
		s.report(fmt.Errorf("%w: %q", ErrFileUnavailable, notice.Detail))
		s.advancePullQueue(notice.Detail)
	default:
		s.logger.Debug("ignoring system notice", zap.String("action", notice.Action))
	}
}

// advancePullQueue pops name from the head of the pull queue and requests the next file.
func (s *Session) advancePullQueue(name string) {
	s.mu.Lock()
	if len(s.pullQueue) == 0 || s.pullQueue[0] != name {
		s.mu.Unlock()
		return
	}
	s.pullQueue = s.pullQueue[1:]
	next := ""
	if len(s.pullQueue) > 0 {
		next = s.pullQueue[0]
	}
	s.mu.Unlock()

	if next == "" {
		return
	}
	if err := s.sendControl(FileRequest{Type: TypeFileRequest, FileName: next}); err != nil {
		s.report(fmt.Errorf("request %q: %w", next, err))
	}
}

func (s *Session) sendControl(message any) error {
	frame, err := EncodeControl(message)
	if err != nil {
		return err
	}
	return s.endpoint.Send(frame)
}

// updateTransferProgress applies floor(transferred/total*100), held at 99
// until the transfer completes. Progress never decreases.
func (s *Session) updateTransferProgress(messageID string, file models.FileDescriptor, direction string, transferred int64, completed bool) {
	percent := progressPercent(transferred, file.Size, completed)

	s.mu.Lock()
	pos, ok := s.index[messageID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if percent < s.messages[pos].Progress {
		percent = s.messages[pos].Progress
	}
	s.messages[pos].Progress = percent
	updated := s.messages[pos]
	s.mu.Unlock()

	s.emitFileProgress(FileProgress{
		MessageID:        messageID,
		FileName:         file.Name,
		Direction:        direction,
		BytesTransferred: transferred,
		TotalBytes:       file.Size,
		Percent:          percent,
		Completed:        completed,
	})
	if !completed && s.options.OnMessage != nil {
		s.options.OnMessage(updated)
	}
}

func (s *Session) emitFileProgress(progress FileProgress) {
	if s.options.OnProgress != nil {
		s.options.OnProgress(progress)
	}
}

func (s *Session) addMessage(msg models.ChatMessage) {
	s.mu.Lock()
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	if s.options.OnMessage != nil {
		s.options.OnMessage(msg)
	}
	s.persist()
}

// finishMessage applies a terminal update and persists the transcript.
func (s *Session) finishMessage(id string, update func(*models.ChatMessage)) {
	s.mu.Lock()
	pos, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	update(&s.messages[pos])
	updated := s.messages[pos]
	s.mu.Unlock()

	if s.options.OnMessage != nil {
		s.options.OnMessage(updated)
	}
	s.persist()
}

func (s *Session) failMessage(id string, cause error) {
	s.logger.Debug("file message failed", zap.String("message_id", id), zap.Error(cause))
	s.finishMessage(id, func(msg *models.ChatMessage) {
		msg.FileStatus = models.FileStatusError
	})
}

func (s *Session) persist() {
	if s.transcripts == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	snapshot := s.Messages()
	if err := s.transcripts.SaveTranscript(s.code, snapshot); err != nil {
		s.logger.Warn("save transcript failed", zap.Error(err))
		s.report(fmt.Errorf("save transcript: %w", err))
	}
}

func (s *Session) restoreTranscript() {
	if s.transcripts == nil {
		return
	}
	messages, err := s.transcripts.LoadTranscript(s.code)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("load transcript failed", zap.Error(err))
		}
		return
	}
	for _, msg := range messages {
		if msg.FileStatus == models.FileStatusReceiving && msg.File != nil {
			s.removeStalePartial(msg.File.Name)
		}
		msg = msg.Restored()
		s.index[msg.ID] = len(s.messages)
		s.messages = append(s.messages, msg)
	}
}

// removeStalePartial deletes the partial file of a receive that was cut off
// with its connection.
func (s *Session) removeStalePartial(name string) {
	path := filepath.Join(s.options.DownloadDir, safeFileName(name)+partialSuffix)
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove stale partial file failed", zap.String("path", path), zap.Error(err))
	}
}

func progressPercent(transferred, total int64, completed bool) int {
	if completed {
		return 100
	}
	if total <= 0 || transferred <= 0 {
		return 0
	}
	if transferred >= total {
		return 99
	}
	percent := int(transferred * 100 / total)
	if percent > 99 {
		percent = 99
	}
	return percent
}

func describeFile(file OutgoingFile) (models.FileDescriptor, error) {
	info, err := os.Stat(file.Path)
	if err != nil {
		return models.FileDescriptor{}, fmt.Errorf("stat %q: %w", file.Path, err)
	}
	if info.IsDir() {
		return models.FileDescriptor{}, fmt.Errorf("%w: %q is a directory", models.ErrInvalidInput, file.Path)
	}

	name := file.Name
	if name == "" {
		name = filepath.Base(file.Path)
	}
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	if mimeType == "" {
		mimeType = defaultMimeType
	}
	return models.FileDescriptor{Name: safeFileName(name), Size: info.Size(), MimeType: mimeType}, nil
}

func discardPartial(transfer *inboundFileTransfer) {
	if transfer.Writer != nil {
		_ = transfer.Writer.Close()
		transfer.Writer = nil
	}
	_ = os.Remove(transfer.TempPath)
}

func readFileChunk(file *os.File, offset int64, chunkSize int) ([]byte, error) {
	buffer := make([]byte, chunkSize)
	n, err := file.ReadAt(buffer, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read file chunk at offset %d: %w", offset, err)
	}
	if n < chunkSize {
		return nil, fmt.Errorf("read file chunk at offset %d: file shrank during transfer", offset)
	}
	return buffer[:n], nil
}

func chunkLength(remaining int64, chunkSize int) int {
	if remaining < int64(chunkSize) {
		return int(remaining)
	}
	return chunkSize
}

func chunkCount(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	chunks := int(size / int64(chunkSize))
	if size%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}

func safeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == ".." || base == "/" {
		return defaultFileName
	}
	return base
}

// availablePath returns dir/name, or dir/"stem (n).ext" for the first n that is free.
func availablePath(dir, name string) (string, error) {
	candidate := filepath.Join(dir, name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 1; n < 10000; n++ {
		if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		} else if err != nil {
			return "", err
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
	return "", fmt.Errorf("no free file name for %q", name)
}
