package types

// Box is a pixel-space bounding box with a top-left origin
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Annotation is a pixel-space box submitted at save time. It is never persisted in this form.
type Annotation struct {
	ClassID int `json:"class_id"`
	Box
}

// Label is one normalized YOLO record; every float is relative to the image size
type Label struct {
	ClassID int     `json:"class_id"`
	XCenter float64 `json:"x_center"`
	YCenter float64 `json:"y_center"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
}

// PixelBox is a label mapped back onto an image, corners rounded to whole pixels
type PixelBox struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

// ProgressRecord is the snapshot a polling client reads while an augmentation job runs
type ProgressRecord struct {
	Current   int    `json:"current"`
	Total     int    `json:"total"`
	Completed bool   `json:"completed"`
	Message   string `json:"message"`
}

// OutputOptions controls how derived images are encoded
type OutputOptions struct {
	JPEGQuality  int
	WebPQuality  int
	WebPLossless bool
}
