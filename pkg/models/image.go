package models

import "fmt"

type ImageStatus int

const (
	ImageNotPresent ImageStatus = iota
	ImageDownloading
	ImagePresent
)

func (s ImageStatus) String() string {
	switch s {
	case ImageNotPresent:
		return "NotPresent"
	case ImageDownloading:
		return "Downloading"
	case ImagePresent:
		return "Present"
	default:
		return fmt.Sprintf("ImageStatus(%d)", int(s))
	}
}

func (s ImageStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Image is a shared read-only base disk, kernel and initrd triple VMs are created from.
type Image struct {
	Name        string      `json:"name" yaml:"name"`
	DisplayName string      `json:"display_name" yaml:"display_name"`
	Status      ImageStatus `json:"status" yaml:"status"`
}
