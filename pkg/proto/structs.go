package proto

// Сообщения videoprocessing.proto. Сериализация в wire.go.

// FrameMetadata метаданные кадра
type FrameMetadata struct {
	CameraFacing string            `json:"camera_facing,omitempty"`
	Quality      string            `json:"quality,omitempty"`
	Extra        map[string]string `json:"extra,omitempty"`
}

// VideoFrameRequest кадр, отправляемый в видео-сервис
type VideoFrameRequest struct {
	SessionID string         `json:"session_id"`
	FrameData []byte         `json:"frame_data"`
	Format    string         `json:"format"`
	Timestamp int64          `json:"timestamp"`
	Width     int32          `json:"width,omitempty"`
	Height    int32          `json:"height,omitempty"`
	Metadata  *FrameMetadata `json:"metadata,omitempty"`
}

// ProcessedFrame результат обработки кадра
type ProcessedFrame struct {
	SessionID string            `json:"session_id"`
	FrameData []byte            `json:"frame_data"`
	Format    string            `json:"format"`
	Timestamp int64             `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}
