package protocol

// MessageType identifies the kind of frame on the wire. Types are partitioned
// by numeric range so receivers can classify a frame with a single comparison:
// control 0x00-0x0F, shell 0x10-0x1F, transfer 0x20-0x3F, responses 0x80-0xFF.
// The gaps leave room for new message kinds without renumbering.
type MessageType byte

// Control messages (0x00-0x0F).
const (
	MsgHandshake            MessageType = 0x00
	MsgHeartbeat            MessageType = 0x01
	MsgError                MessageType = 0x02
	MsgPing                 MessageType = 0x03
	MsgPong                 MessageType = 0x04
	MsgConnect              MessageType = 0x05
	MsgAuthenticate         MessageType = 0x06
	MsgDisconnect           MessageType = 0x07
	MsgConnectionRegistered MessageType = 0x08
	MsgConnected            MessageType = 0x09
	MsgNetworkLatency       MessageType = 0x0A
	MsgStatusUpdate         MessageType = 0x0B
)

// Shell channel messages (0x10-0x1F).
const (
	MsgData    MessageType = 0x10
	MsgResize  MessageType = 0x11
	MsgCommand MessageType = 0x12
	MsgDataAck MessageType = 0x13
)

// Transfer operation messages (0x20-0x3F).
const (
	MsgSFTPInit           MessageType = 0x20
	MsgSFTPList           MessageType = 0x21
	MsgSFTPUpload         MessageType = 0x22
	MsgSFTPDownload       MessageType = 0x23
	MsgSFTPMkdir          MessageType = 0x24
	MsgSFTPDelete         MessageType = 0x25
	MsgSFTPRename         MessageType = 0x26
	MsgSFTPChmod          MessageType = 0x27
	MsgSFTPDownloadFolder MessageType = 0x28
	MsgSFTPClose          MessageType = 0x29
	MsgSFTPCancel         MessageType = 0x2A
)

// Response messages (0x80-0xFF). The high sub-range lets receivers answer
// "is this a terminal response" with one range check.
const (
	RespSuccess    MessageType = 0x80
	RespError      MessageType = 0x81
	RespProgress   MessageType = 0x82
	RespFileData   MessageType = 0x83
	RespFolderData MessageType = 0x84
)

// IsControl reports whether t is a control message.
func (t MessageType) IsControl() bool { return t <= 0x0F }

// IsShell reports whether t is a shell channel message.
func (t MessageType) IsShell() bool { return t >= 0x10 && t <= 0x1F }

// IsTransfer reports whether t is a transfer operation request.
func (t MessageType) IsTransfer() bool { return t >= 0x20 && t <= 0x3F }

// IsResponse reports whether t is a response message.
func (t MessageType) IsResponse() bool { return t >= 0x80 }

// String returns the wire name of the message type.
func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

var typeNames = map[MessageType]string{
	MsgHandshake:            "handshake",
	MsgHeartbeat:            "heartbeat",
	MsgError:                "error",
	MsgPing:                 "ping",
	MsgPong:                 "pong",
	MsgConnect:              "connect",
	MsgAuthenticate:         "authenticate",
	MsgDisconnect:           "disconnect",
	MsgConnectionRegistered: "connection_registered",
	MsgConnected:            "connected",
	MsgNetworkLatency:       "network_latency",
	MsgStatusUpdate:         "status_update",
	MsgData:                 "data",
	MsgResize:               "resize",
	MsgCommand:              "command",
	MsgDataAck:              "data_ack",
	MsgSFTPInit:             "sftp_init",
	MsgSFTPList:             "sftp_list",
	MsgSFTPUpload:           "sftp_upload",
	MsgSFTPDownload:         "sftp_download",
	MsgSFTPMkdir:            "sftp_mkdir",
	MsgSFTPDelete:           "sftp_delete",
	MsgSFTPRename:           "sftp_rename",
	MsgSFTPChmod:            "sftp_chmod",
	MsgSFTPDownloadFolder:   "sftp_download_folder",
	MsgSFTPClose:            "sftp_close",
	MsgSFTPCancel:           "sftp_cancel",
	RespSuccess:             "resp_success",
	RespError:               "resp_error",
	RespProgress:            "resp_progress",
	RespFileData:            "resp_file_data",
	RespFolderData:          "resp_folder_data",
}
