package transcript

import (
	"strings"
	"unicode"
)

// TransactionMarker introduces a transaction identifier in receipt text.
const TransactionMarker = "Transaction ID:"

// DefaultReceiptMarkers are the literal substrings that identify receipt text
// when a message carries no explicit receipt flag.
var DefaultReceiptMarkers = []string{TransactionMarker, "Receipt No:"}

// ClassifyReceipt returns m with IsReceipt resolved. An explicit flag is kept
// as is; otherwise the text is scanned for any of markers. A receipt without a
// TransactionID gets the token following "Transaction ID:" when present.
//
// The text scan is a heuristic: user-authored text containing a marker is
// classified as a receipt too.
func ClassifyReceipt(m Message, markers []string) Message {
	if m.IsReceipt == nil {
		found := false
		for _, marker := range markers {
			if marker != "" && strings.Contains(m.Text, marker) {
				found = true
				break
			}
		}
		m.IsReceipt = BoolPtr(found)
	}

	if *m.IsReceipt && m.TransactionID == "" {
		m.TransactionID = transactionIDFromText(m.Text)
	}
	return m
}

func transactionIDFromText(text string) string {
	_, after, ok := strings.Cut(text, TransactionMarker)
	if !ok {
		return ""
	}
	fields := strings.Fields(after)
	if len(fields) == 0 {
		return ""
	}
	return strings.TrimRightFunc(fields[0], unicode.IsPunct)
}
