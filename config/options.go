package config

import "time"

var (
	DirectDownloadProbeTimeout  = 10 * time.Second
	FolderLookupRequestTimeout  = 10 * time.Second
	FolderCreateRequestTimeout  = 10 * time.Second
	UploadInitRequestTimeout    = 15 * time.Second
	UploadChunkRequestTimeout   = 2 * time.Minute
	FileMetaRequestTimeout      = 10 * time.Second
	PermissionRequestTimeout    = 10 * time.Second
	TokenExchangeRequestTimeout = 15 * time.Second
	LinkIndirectionTimeout      = 10 * time.Second
)
