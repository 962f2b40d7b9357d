package stomp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConnect(t *testing.T) {
	f := Parse("CONNECT\naccept-version:1.2\nhost:stomp.cs.bgu.ac.il\nlogin:alice\npasscode:pw\n\n")
	require.NotNil(t, f)
	require.Equal(t, CmdConnect, f.Command)
	require.Equal(t, "alice", f.Header(HdrLogin))
	require.Equal(t, "pw", f.Header(HdrPasscode))
	require.Equal(t, "1.2", f.Header(HdrAcceptVersion))
	require.Equal(t, "", f.Body)
	require.Len(t, f.Headers, 4)
}

func TestParseSplitsOnFirstColon(t *testing.T) {
	f := Parse("SEND\ndestination:/topic/a:b\n\nx")
	require.Equal(t, "/topic/a:b", f.Header(HdrDestination))
}

func TestParseBodyIsVerbatim(t *testing.T) {
	body := "line one\n\nline three:with colon\n"
	f := Parse("SEND\ndestination:/topic/news\n\n" + body)
	require.Equal(t, body, f.Body)
}

func TestParseWithoutBlankLine(t *testing.T) {
	f := Parse("SUBSCRIBE\ndestination:/topic/x\nid:7")
	require.NotNil(t, f)
	require.Equal(t, "/topic/x", f.Header(HdrDestination))
	require.Equal(t, "7", f.Header(HdrID))
	require.Empty(t, f.Body)
}

func TestParseIgnoresLinesWithoutColon(t *testing.T) {
	f := Parse("SEND\ngarbage\ndestination:/d\n\nhi")
	require.Len(t, f.Headers, 1)
	require.Equal(t, "hi", f.Body)
}

func TestParseDuplicateHeaderLastWins(t *testing.T) {
	f := Parse("SEND\ndestination:/a\nreceipt:1\ndestination:/b\n\n")
	require.Equal(t, "/b", f.Header(HdrDestination))
	require.Equal(t, []Header{{HdrDestination, "/b"}, {HdrReceipt, "1"}}, f.Headers)
}

func TestParseEmptyAndEOLOnly(t *testing.T) {
	require.Nil(t, Parse(""))
	require.Nil(t, Parse("\n\r\n"))
}

func TestParseSkipsLeadingEOLAndTrimsCR(t *testing.T) {
	f := Parse("\n\r\nDISCONNECT\r\nreceipt:77\r\n\r\n")
	require.NotNil(t, f)
	require.Equal(t, CmdDisconnect, f.Command)
	require.Equal(t, "77", f.Header(HdrReceipt))
}

func TestStringLayout(t *testing.T) {
	f := New(CmdMessage).
		Set(HdrSubscription, "78").
		Set(HdrMessageID, "20").
		Set(HdrDestination, "/topic/a").
		WithBody("Hello")
	require.Equal(t, "MESSAGE\nsubscription:78\nmessage-id:20\ndestination:/topic/a\n\nHello", f.String())
}

func TestStringNoHeaders(t *testing.T) {
	require.Equal(t, "RECEIPT\n\n", New(CmdReceipt).String())
}

func TestParseSerializeRoundTrip(t *testing.T) {
	frames := []*Frame{
		New(CmdConnected).Set(HdrVersion, ProtocolVersion),
		New(CmdError).Set(HdrMessage, "Missing headers").Set(HdrReceiptID, "5").WithBody("The message:\n-----\nSEND\n-----"),
		New(CmdSend).Set(HdrDestination, "/topic/x").WithBody("a\n\nb"),
	}
	for _, f := range frames {
		got := Parse(f.String())
		require.Equal(t, f, got)
	}
}

func TestSetReplacesInPlace(t *testing.T) {
	f := New(CmdSend).Set("a", "1").Set("b", "2").Set("a", "3")
	require.Equal(t, []Header{{"a", "3"}, {"b", "2"}}, f.Headers)
	_, ok := f.Get("c")
	require.False(t, ok)
}

func TestValidHeader(t *testing.T) {
	require.True(t, ValidHeader("destination", "/a:b"))
	require.True(t, ValidHeader("x", ""))
	require.False(t, ValidHeader("", "v"))
	require.False(t, ValidHeader("x:y", "z"))
	require.False(t, ValidHeader("x\ny", "z"))
	require.False(t, ValidHeader("x", "a\nb"))
	require.False(t, ValidHeader("destination", "/a\r"))
}

func TestRoundTripOnlyForValidHeaders(t *testing.T) {
	f := New(CmdSend).Set("destination", "/a\r").Set("x:y", "z")
	got := Parse(f.String())
	require.NotNil(t, got)
	require.Equal(t, "/a", got.Header("destination"))
	require.Equal(t, "y:z", got.Header("x"))

	for _, h := range f.Headers {
		if ValidHeader(h.Name, h.Value) {
			require.Equal(t, h.Value, got.Header(h.Name))
		}
	}

	ok := New(CmdSend).Set("destination", "/a").Set("x", "y:z")
	require.Equal(t, ok, Parse(ok.String()))
}
