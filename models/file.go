package models

// FileState is the resolved local presence of a named file.
type FileState string

const (
	FileMissing    FileState = "missing"
	FileDownloaded FileState = "downloaded"
)

// FileType tells the serving side which directory a requested file lives in.
type FileType string

const (
	FileTypeChatImage FileType = "chat_image"
	FileTypeAvatar    FileType = "avatar"
)

// FileTransferState reports an in-flight transfer. It is never persisted.
type FileTransferState struct {
	PeerID           string    `json:"peerId"`
	ChatID           string    `json:"chatId,omitempty"`
	FileType         FileType  `json:"fileType"`
	FileName         string    `json:"fileName"`
	TotalBytes       int64     `json:"totalBytes"`
	BytesTransferred int64     `json:"bytesTransferred"`
	Done             bool      `json:"done"`
	Result           FileState `json:"result,omitempty"`
	Err              string    `json:"error,omitempty"`
}
