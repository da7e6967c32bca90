package session

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"directlink/event"
	"directlink/models"
	"directlink/network"
)

const (
	transferChunkSize     = 32 * 1024
	progressPublishStride = 256 * 1024
)

var (
	ErrTransferInFlight = errors.New("session: transfer already in flight")
	ErrFileNotFound     = errors.New("session: peer does not have the file")
)

// transferKey names the destination of a transfer. Files of different types
// live in different directories, so only the pair has to be unique.
type transferKey struct {
	fileType models.FileType
	fileName string
}

// FileSession moves files between peers: FileRequest, then FileResponse
// followed by exactly FileSize raw bytes on the same link.
type FileSession struct {
	opts      Options
	transfers *event.Broadcaster[models.FileTransferState]

	mu       sync.Mutex
	inflight map[transferKey]*models.FileTransferState
	wg       sync.WaitGroup
}

// NewFileSession creates the file transfer session.
func NewFileSession(opts Options) (*FileSession, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Files == nil {
		return nil, errors.New("file store is required")
	}
	return &FileSession{
		opts:      opts,
		transfers: event.NewBroadcaster[models.FileTransferState](event.DefaultBuffer),
		inflight:  make(map[transferKey]*models.FileTransferState),
	}, nil
}

// RequestFile asks peerID for a file unless it is already on disk. It returns
// Downloaded when nothing needs to move, otherwise Missing while the transfer
// runs; progress and the outcome are published on Transfers.
func (f *FileSession) RequestFile(peerID, chatID string, fileType models.FileType, fileName string, expectedSize int64) (models.FileState, error) {
	if f.opts.Files.Resolve(fileType, fileName, expectedSize) == models.FileDownloaded {
		return models.FileDownloaded, nil
	}
	if !f.opts.Transport.IsConnected(peerID) {
		return models.FileMissing, fmt.Errorf("%w: %s", network.ErrNotConnected, peerID)
	}

	key := transferKey{fileType: fileType, fileName: fileName}
	f.mu.Lock()
	if _, ok := f.inflight[key]; ok {
		f.mu.Unlock()
		return models.FileMissing, ErrTransferInFlight
	}
	state := models.FileTransferState{
		PeerID:     peerID,
		ChatID:     chatID,
		FileType:   fileType,
		FileName:   fileName,
		TotalBytes: expectedSize,
	}
	f.inflight[key] = &state
	f.mu.Unlock()

	f.transfers.Publish(state)
	if err := f.opts.Transport.Send(peerID, network.FileRequest{
		ChatID:   chatID,
		FileType: fileType,
		FileName: fileName,
	}); err != nil {
		f.finish(key, models.FileMissing, err)
		return models.FileMissing, fmt.Errorf("send file request: %w", err)
	}
	return models.FileMissing, nil
}

// Transfers streams in-flight transfer updates, the terminal one with Done set.
func (f *FileSession) Transfers() (<-chan models.FileTransferState, func()) {
	return f.transfers.Subscribe()
}

// Transfer returns the in-flight state of a file.
func (f *FileSession) Transfer(fileType models.FileType, fileName string) (models.FileTransferState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.inflight[transferKey{fileType: fileType, fileName: fileName}]
	if !ok {
		return models.FileTransferState{}, false
	}
	return *state, true
}

// PeerDisconnected fails every transfer still waiting on peerID.
func (f *FileSession) PeerDisconnected(peerID string) {
	f.mu.Lock()
	var keys []transferKey
	for key, state := range f.inflight {
		if state.PeerID == peerID {
			keys = append(keys, key)
		}
	}
	f.mu.Unlock()

	for _, key := range keys {
		f.finish(key, models.FileMissing, network.ErrNotConnected)
	}
}

// Close waits for files being served to finish writing.
func (f *FileSession) Close() {
	f.wg.Wait()
	f.transfers.Close()
}

// HandleMessage implements network.Handler for the File category. body is
// only valid until HandleMessage returns.
func (f *FileSession) HandleMessage(peerID string, message network.Message, body io.Reader) {
	switch m := message.(type) {
	case *network.FileRequest:
		request := *m
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			if err := f.serve(peerID, request); err != nil {
				f.opts.Logger.Printf("session: serve file failed peer=%s file=%s err=%v", peerID, request.FileName, err)
			}
		}()
	case *network.FileResponse:
		f.receive(peerID, m, body)
	default:
		f.opts.Logger.Printf("session: unhandled file message tag=%s peer=%s", message.Tag(), peerID)
	}
}

func (f *FileSession) serve(peerID string, request network.FileRequest) error {
	response := network.FileResponse{
		ChatID:   request.ChatID,
		FileType: request.FileType,
		FileName: request.FileName,
	}
	if !f.mayRead(peerID, request.ChatID) {
		return f.opts.Transport.Send(peerID, response)
	}

	file, size, err := f.opts.Files.Open(request.FileType, request.FileName)
	if err != nil {
		return f.opts.Transport.Send(peerID, response)
	}
	defer file.Close()

	response.Found = true
	response.FileSize = size
	return f.opts.Transport.SendWithBody(peerID, response, file, size)
}

// mayRead reports whether peerID belongs to the chat a file was requested for.
func (f *FileSession) mayRead(peerID, chatID string) bool {
	if chatID == "" || chatID == peerID {
		return true
	}
	chat, err := f.opts.Store.GetGroupChat(chatID)
	if err != nil {
		return false
	}
	return chat.HasMember(peerID)
}

func (f *FileSession) receive(peerID string, response *network.FileResponse, body io.Reader) {
	key := transferKey{fileType: response.FileType, fileName: response.FileName}
	f.mu.Lock()
	state, ok := f.inflight[key]
	owned := ok && state.PeerID == peerID
	f.mu.Unlock()
	if !owned {
		f.opts.Logger.Printf("session: unsolicited file response peer=%s type=%s file=%s", peerID, response.FileType, response.FileName)
		return
	}
	if !response.Found {
		f.finish(key, models.FileMissing, ErrFileNotFound)
		return
	}

	f.update(key, func(s *models.FileTransferState) { s.TotalBytes = response.FileSize })
	if err := f.copyBody(key, response, body); err != nil {
		f.finish(key, models.FileMissing, err)
		return
	}
	f.finish(key, models.FileDownloaded, nil)

	if response.ChatID != "" {
		if _, err := f.opts.Store.GetGroupChat(response.ChatID); err == nil {
			f.opts.Events.Publish(ChatEvent{
				Kind:     EventFileReady,
				ChatID:   response.ChatID,
				PeerID:   peerID,
				FileName: response.FileName,
			})
		}
	}
}

// copyBody writes exactly FileSize bytes into a sink. Anything short of that
// aborts the sink so no partial file becomes visible.
func (f *FileSession) copyBody(key transferKey, response *network.FileResponse, body io.Reader) error {
	if body == nil {
		return io.ErrUnexpectedEOF
	}
	sink, err := f.opts.Files.Create(key.fileType, key.fileName)
	if err != nil {
		return fmt.Errorf("create sink: %w", err)
	}

	var written, published int64
	buf := make([]byte, transferChunkSize)
	for written < response.FileSize {
		chunk := buf
		if remaining := response.FileSize - written; remaining < int64(len(chunk)) {
			chunk = chunk[:remaining]
		}
		n, readErr := body.Read(chunk)
		if n > 0 {
			if _, err := sink.Write(chunk[:n]); err != nil {
				sink.Abort()
				return fmt.Errorf("write file: %w", err)
			}
			written += int64(n)
			if written-published >= progressPublishStride {
				published = written
				f.update(key, func(s *models.FileTransferState) { s.BytesTransferred = written })
			}
		}
		if readErr != nil {
			if written == response.FileSize {
				break
			}
			sink.Abort()
			if errors.Is(readErr, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return fmt.Errorf("read file body: %w", readErr)
		}
	}

	f.update(key, func(s *models.FileTransferState) { s.BytesTransferred = written })
	if err := sink.Commit(response.FileSize); err != nil {
		return fmt.Errorf("commit file: %w", err)
	}
	return nil
}

func (f *FileSession) update(key transferKey, change func(*models.FileTransferState)) {
	f.mu.Lock()
	current, ok := f.inflight[key]
	if !ok {
		f.mu.Unlock()
		return
	}
	change(current)
	state := *current
	f.mu.Unlock()
	f.transfers.Publish(state)
}

func (f *FileSession) finish(key transferKey, result models.FileState, err error) {
	f.mu.Lock()
	current, ok := f.inflight[key]
	if !ok {
		f.mu.Unlock()
		return
	}
	delete(f.inflight, key)
	state := *current
	f.mu.Unlock()

	state.Done = true
	state.Result = result
	if err != nil {
		state.Err = err.Error()
		f.opts.Logger.Printf("session: transfer failed peer=%s type=%s file=%s err=%v", state.PeerID, key.fileType, key.fileName, err)
	}
	f.transfers.Publish(state)
}
