package scanner

import "context"

// ScanPath is the backend route that accepts medicine images.
const ScanPath = "/scan-medicine"

// FileField is the multipart field the backend reads the image from.
const FileField = "file"

// StatusSuccess is the only backend status that carries a medicine record.
const StatusSuccess = "success"

// MedicineRecord is the structured result of a successful scan.
type MedicineRecord struct {
	Name        string `json:"name"`
	Uses        string `json:"uses"`
	Dosage      string `json:"dosage"`
	SideEffects string `json:"side_effects"`
	Precautions string `json:"precautions"`
	RxCUI       string `json:"rxcui,omitempty"`
}

// Image is one uploaded file ready to be forwarded.
type Image struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Client exposes the subset of the scan backend used by the upload flow.
type Client interface {
	Scan(ctx context.Context, img Image) (*MedicineRecord, error)
	Ping(ctx context.Context) error
}

// scanResponse mirrors the backend JSON body.
type scanResponse struct {
	Status   string          `json:"status"`
	Medicine *MedicineRecord `json:"medicine,omitempty"`
	Message  string          `json:"message,omitempty"`
}
