package sink

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/trvd/internal/device"
	"github.com/srg/trvd/internal/trv"
	"github.com/stretchr/testify/suite"
)

var valve = device.MustParseAddress("00:1A:22:03:AC:11")

type SinkTestSuite struct {
	suite.Suite
	logger *logrus.Logger
	hook   *test.Hook
}

func TestSinkTestSuite(t *testing.T) {
	suite.Run(t, new(SinkTestSuite))
}

func (suite *SinkTestSuite) SetupTest() {
	suite.logger, suite.hook = test.NewNullLogger()
	suite.logger.SetLevel(logrus.DebugLevel)
}

func (suite *SinkTestSuite) TestLogHistoryKeepsNewestLines() {
	// GOAL: Verify the bounded history evicts whole lines, oldest first
	//
	// TEST SCENARIO: 32-byte history, append lines until it overflows → only the newest complete lines remain

	l := NewLog(suite.logger, 32)
	l.AppendLog("first line")  // 11 bytes
	l.AppendLog("second line") // 12 bytes
	suite.Equal([]string{"first line", "second line"}, l.History())

	l.AppendLog("third line") // 11 bytes, needs eviction
	suite.Equal([]string{"second line", "third line"}, l.History())

	suite.Equal([]string{"second line", "third line"}, l.History(), "reading history MUST NOT consume it")
}

func (suite *SinkTestSuite) TestLogHistoryEmptyAndOversized() {
	l := NewLog(suite.logger, 16)
	suite.Nil(l.History())

	l.AppendLog(strings.Repeat("x", 40))
	h := l.History()
	suite.Require().Len(h, 1)
	suite.Equal(15, len(h[0]), "oversized line MUST be truncated to the history capacity")
}

func (suite *SinkTestSuite) TestLogPublishStatus() {
	l := NewLog(suite.logger, 0)

	l.PublishStatus(trv.FailureReport(valve, "timeout"))
	entry := suite.hook.LastEntry()
	suite.Require().NotNil(entry)
	suite.Equal(logrus.WarnLevel, entry.Level)
	suite.Equal("timeout", entry.Data["error"])

	l.PublishStatus(trv.NewReport(valve).Set(trv.KeyTemp, "21.5"))
	entry = suite.hook.LastEntry()
	suite.Equal(logrus.InfoLevel, entry.Level)
	suite.Contains(entry.Data["report"], `"temp":"21.5"`)
}

func (suite *SinkTestSuite) TestConsole() {
	var out bytes.Buffer
	c := NewConsole(&out)

	c.PublishStatus(trv.FailureReport(valve, "device unavailable"))
	c.PublishDeviceList([]device.Discovered{{Address: valve, Name: trv.AdvertisedName, RSSI: -70}})
	c.AppendLog("00:1A:22:03:AC:11 boost")
	c.Echo("rejected: %s", "bad verb")

	suite.Equal(
		`{"trv":"00:1A:22:03:AC:11","error":"device unavailable"}`+"\n"+
			"1 valve(s) found\n"+
			"  00:1A:22:03:AC:11   -70 dBm  CC-RT-M-BLE\n"+
			"00:1A:22:03:AC:11 boost\n"+
			"rejected: bad verb\n",
		out.String(), "non-terminal output MUST be plain text")
}

type countingSink struct {
	statuses int
	lists    int
	lines    int
	lastList []device.Discovered
}

func (c *countingSink) PublishStatus(trv.Report) { c.statuses++ }
func (c *countingSink) PublishDeviceList(d []device.Discovered) {
	c.lists++
	c.lastList = d
}
func (c *countingSink) AppendLog(string) { c.lines++ }

func (suite *SinkTestSuite) TestMulti() {
	a, b := &countingSink{}, &countingSink{}
	m := NewMulti(a)
	m.Add(b)

	devices := []device.Discovered{{Address: valve, RSSI: -60}}
	m.PublishStatus(trv.NewReport(valve))
	m.PublishDeviceList(devices)
	m.AppendLog("x")

	for _, s := range []*countingSink{a, b} {
		suite.Equal(1, s.statuses)
		suite.Equal(1, s.lists)
		suite.Equal(1, s.lines)
	}

	a.lastList[0].RSSI = 0
	suite.Equal(-60, b.lastList[0].RSSI, "each sink MUST get its own copy of the device list")
	suite.Equal(-60, devices[0].RSSI)

	var d Discard
	d.PublishStatus(trv.NewReport(valve))
	d.AppendLog("ignored")
}
