// Package manscdp implements the GB/T 28181 MANSCDP application payloads
// carried inside SIP MESSAGE bodies: Query, Response, Notify and Control
// documents identified by their CmdType.
package manscdp

import "encoding/xml"

// Root element names of MANSCDP documents.
const (
	RootQuery    = "Query"
	RootResponse = "Response"
	RootNotify   = "Notify"
	RootControl  = "Control"
)

// Command types handled by the gateway.
const (
	CmdCatalog       = "Catalog"
	CmdDeviceInfo    = "DeviceInfo"
	CmdDeviceStatus  = "DeviceStatus"
	CmdKeepalive     = "Keepalive"
	CmdRecordInfo    = "RecordInfo"
	CmdMediaStatus   = "MediaStatus"
	CmdBroadcast     = "Broadcast"
	CmdDeviceControl = "DeviceControl"
)

// Header carries the fields common to every MANSCDP document.
type Header struct {
	CmdType  string `xml:"CmdType"`
	SN       string `xml:"SN"`
	DeviceID string `xml:"DeviceID"`
}

// Query is an inbound platform query. Only the fields the gateway acts
// on are decoded; unknown elements are ignored by encoding/xml.
type Query struct {
	XMLName xml.Name `xml:"Query"`
	Header

	// RecordInfo query parameters
	StartTime string `xml:"StartTime"`
	EndTime   string `xml:"EndTime"`
	Type      string `xml:"Type"`
	FilePath  string `xml:"FilePath"`
	Secrecy   string `xml:"Secrecy"`
}

// Control is an inbound platform control document (PTZ, reboot and the
// like). The gateway acknowledges but does not execute device control.
type Control struct {
	XMLName xml.Name `xml:"Control"`
	Header

	PTZCmd     string `xml:"PTZCmd"`
	ControlCmd string `xml:"ControlCmd"` // TeleBoot etc.
}

// CatalogItem is one entry of a Catalog response DeviceList. Field
// order follows the document layout mandated by the standard.
type CatalogItem struct {
	XMLName      xml.Name `xml:"Item"`
	DeviceID     string   `xml:"DeviceID"`
	Name         string   `xml:"Name"`
	Manufacturer string   `xml:"Manufacturer"`
	Model        string   `xml:"Model"`
	Owner        string   `xml:"Owner"`
	CivilCode    string   `xml:"CivilCode"`
	Block        string   `xml:"Block"`
	Address      string   `xml:"Address"`
	Parental     string   `xml:"Parental"`
	ParentID     string   `xml:"ParentID"`
	SafetyWay    string   `xml:"SafetyWay"`
	RegisterWay  string   `xml:"RegisterWay"`
	Secrecy      string   `xml:"Secrecy"`
	Status       string   `xml:"Status"`
}

// DeviceList wraps catalog items with the mandatory Num attribute.
type DeviceList struct {
	Num   int           `xml:"Num,attr"`
	Items []CatalogItem `xml:"Item"`
}

// CatalogResponse answers a Catalog query. SumNum and DeviceList.Num
// always equal len(DeviceList.Items); partial sends recompute both.
type CatalogResponse struct {
	XMLName xml.Name `xml:"Response"`
	Header
	Result     string     `xml:"Result"`
	SumNum     int        `xml:"SumNum"`
	DeviceList DeviceList `xml:"DeviceList"`
}

// DeviceInfoResponse answers a DeviceInfo query.
type DeviceInfoResponse struct {
	XMLName xml.Name `xml:"Response"`
	Header
	Result       string `xml:"Result"`
	DeviceName   string `xml:"DeviceName"`
	Manufacturer string `xml:"Manufacturer"`
	Model        string `xml:"Model"`
	Firmware     string `xml:"Firmware"`
	MaxCamera    int    `xml:"MaxCamera"`
	MaxAlarm     int    `xml:"MaxAlarm"`
}

// StatusTime is the split date/time element used by status documents.
type StatusTime struct {
	Date string `xml:"Date"`
	Time string `xml:"Time"`
}

// DeviceStatusResponse answers a DeviceStatus query.
type DeviceStatusResponse struct {
	XMLName xml.Name `xml:"Response"`
	Header
	Status     string     `xml:"Status"`
	Online     string     `xml:"Online"`
	StatusTime StatusTime `xml:"StatusTime"`
	Result     string     `xml:"Result"`
}

// KeepaliveNotify is the periodic device-to-platform liveness message.
type KeepaliveNotify struct {
	XMLName xml.Name `xml:"Notify"`
	Header
	Status string `xml:"Status"`
}

// MediaStatusNotify reports a change in a media stream's health.
// NotifyType 121 marks end-of-stream per the standard.
type MediaStatusNotify struct {
	XMLName xml.Name `xml:"Notify"`
	Header
	NotifyType string     `xml:"NotifyType"`
	Status     string     `xml:"Status"`
	StatusTime StatusTime `xml:"StatusTime"`
	Result     string     `xml:"Result"`
}

// CatalogNotify pushes the channel list without a preceding query.
type CatalogNotify struct {
	XMLName xml.Name `xml:"Notify"`
	Header
	SumNum     int        `xml:"SumNum"`
	DeviceList DeviceList `xml:"DeviceList"`
}

// RecordItem is one entry of a RecordInfo response RecordList.
type RecordItem struct {
	XMLName   xml.Name `xml:"Item"`
	DeviceID  string   `xml:"DeviceID"`
	Name      string   `xml:"Name"`
	FilePath  string   `xml:"FilePath"`
	Address   string   `xml:"Address"`
	StartTime string   `xml:"StartTime"`
	EndTime   string   `xml:"EndTime"`
	Secrecy   string   `xml:"Secrecy"`
	Type      string   `xml:"Type"`
	FileSize  int64    `xml:"FileSize"`
}

// RecordList wraps record items with the mandatory Num attribute.
type RecordList struct {
	Num   int          `xml:"Num,attr"`
	Items []RecordItem `xml:"Item"`
}

// RecordInfoResponse answers a RecordInfo query.
type RecordInfoResponse struct {
	XMLName xml.Name `xml:"Response"`
	Header
	Name       string     `xml:"Name"`
	SumNum     int        `xml:"SumNum"`
	RecordList RecordList `xml:"RecordList"`
}

// GenericResponse acknowledges documents that need no payload, such as
// Control commands the gateway cannot execute.
type GenericResponse struct {
	XMLName xml.Name `xml:"Response"`
	Header
	Result string `xml:"Result"`
}
