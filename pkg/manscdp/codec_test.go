package manscdp

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect_FindsRootAmongGarbage(t *testing.T) {
	body := []byte("\r\n<?xml version=\"1.0\"?>\r\n<Query>\n<CmdType>Catalog</CmdType>\n<SN>42</SN>\n<DeviceID>34020000001320000001</DeviceID>\n</Query>\r\n\x00\x00trailing")

	root, doc, err := Detect(body)
	require.NoError(t, err)
	assert.Equal(t, RootQuery, root)
	assert.True(t, strings.HasPrefix(string(doc), "<Query"))
	assert.True(t, strings.HasSuffix(string(doc), "</Query>"))
}

func TestDetect_NoRoot(t *testing.T) {
	_, _, err := Detect([]byte("v=0\r\no=- 0 0 IN IP4 1.2.3.4\r\n"))
	assert.Error(t, err)
}

func TestDetect_Unterminated(t *testing.T) {
	_, _, err := Detect([]byte("<Notify><CmdType>Keepalive</CmdType>"))
	assert.Error(t, err)
}

func TestParseQuery_RecordInfo(t *testing.T) {
	doc := []byte(`<Query>
  <CmdType>RecordInfo</CmdType>
  <SN>17430</SN>
  <DeviceID>34020000001320000002</DeviceID>
  <StartTime>2026-01-05T00:00:00</StartTime>
  <EndTime>2026-01-05T23:59:59</EndTime>
  <Secrecy>0</Secrecy>
  <Type>time</Type>
</Query>`)

	q, err := ParseQuery(doc)
	require.NoError(t, err)
	assert.Equal(t, CmdRecordInfo, q.CmdType)
	assert.Equal(t, "17430", q.SN)
	assert.Equal(t, "34020000001320000002", q.DeviceID)
	assert.Equal(t, "2026-01-05T00:00:00", q.StartTime)
	assert.Equal(t, "time", q.Type)
}

func TestParseQuery_MissingCmdType(t *testing.T) {
	_, err := ParseQuery([]byte("<Query><SN>1</SN></Query>"))
	assert.Error(t, err)
}

func TestParseControl(t *testing.T) {
	ctrl, err := ParseControl([]byte(`<Control>
  <CmdType>DeviceControl</CmdType>
  <SN>9</SN>
  <DeviceID>34020000001320000001</DeviceID>
  <PTZCmd>A50F01020304</PTZCmd>
</Control>`))
	require.NoError(t, err)
	assert.Equal(t, CmdDeviceControl, ctrl.CmdType)
	assert.Equal(t, "A50F01020304", ctrl.PTZCmd)
}

func TestMarshal_Declarations(t *testing.T) {
	notify := KeepaliveNotify{
		Header: Header{CmdType: CmdKeepalive, SN: "1", DeviceID: "34020000001320000001"},
		Status: "OK",
	}

	utf8, err := Marshal(notify)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(utf8), `<?xml version="1.0" encoding="UTF-8"?>`))
	assert.True(t, strings.HasSuffix(string(utf8), "\r\n"))

	gb, err := MarshalGB2312(notify)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(gb), `<?xml version="1.0" encoding="GB2312"?>`))
}

func TestMarshal_CatalogRoundTrip(t *testing.T) {
	resp := CatalogResponse{
		Header: Header{CmdType: CmdCatalog, SN: "7", DeviceID: "34020000001320000001"},
		Result: "OK",
		SumNum: 1,
		DeviceList: DeviceList{Num: 1, Items: []CatalogItem{{
			DeviceID: "34020000001320000001",
			Name:     "Device",
			Parental: "1",
			ParentID: "34020000002000000001",
			Status:   "ON",
		}}},
	}
	body, err := MarshalGB2312(resp)
	require.NoError(t, err)

	var decoded CatalogResponse
	doc := body[strings.Index(string(body), "<Response"):]
	require.NoError(t, xml.Unmarshal(doc, &decoded))
	assert.Equal(t, resp.SumNum, decoded.SumNum)
	assert.Equal(t, resp.DeviceList.Num, decoded.DeviceList.Num)
	assert.Len(t, decoded.DeviceList.Items, 1)
	assert.Equal(t, "ON", decoded.DeviceList.Items[0].Status)
}

func TestParseTime_Variants(t *testing.T) {
	want := time.Date(2026, 1, 5, 13, 30, 0, 0, time.Local)
	for _, s := range []string{
		"2026-01-05T13:30:00",
		"20260105T133000",
		"2026-01-05 13:30:00",
	} {
		got, err := ParseTime(s)
		require.NoError(t, err, s)
		assert.True(t, got.Equal(want), s)
	}
}

func TestParseTime_Bad(t *testing.T) {
	_, err := ParseTime("last tuesday")
	assert.Error(t, err)
}

func TestNowStatusTime(t *testing.T) {
	st := NowStatusTime(time.Date(2026, 1, 5, 8, 9, 10, 0, time.Local))
	assert.Equal(t, "2026-01-05", st.Date)
	assert.Equal(t, "08:09:10", st.Time)
}
