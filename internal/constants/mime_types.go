package constants

// AttachmentTypes maps attachment file extensions to the content type sent in
// the multipart part header
var AttachmentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".ogg":  "audio/ogg",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".pdf":  "application/pdf",
	".txt":  "text/plain",
	".zip":  "application/zip",
}

// DefaultAttachmentType is sent when neither the extension nor content
// sniffing identify the file
const DefaultAttachmentType = "application/octet-stream"
