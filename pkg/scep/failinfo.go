package scep

import (
	"fmt"
	"strconv"
)

// FailInfo is the reason code of a FAILURE response.
type FailInfo int

const (
	BadAlg          FailInfo = 0
	BadMessageCheck FailInfo = 1
	BadRequest      FailInfo = 2
	BadTime         FailInfo = 3
	BadCertID       FailInfo = 4
)

var failInfoNames = map[FailInfo][2]string{
	BadAlg:          {"badAlg", "Unrecognized or unsupported algorithm identifier"},
	BadMessageCheck: {"badMessageCheck", "Integrity check failed"},
	BadRequest:      {"badRequest", "Transaction not permitted or supported"},
	BadTime:         {"badTime", "The signingTime attribute from the PKCS#7 SignedAttributes was not sufficiently close to the system time"},
	BadCertID:       {"badCertId", "No certificate could be identified matching the provided criteria"},
}

// FailInfoFromCode returns the FailInfo for a protocol code. Codes outside
// the defined set are a *DecodingError.
func FailInfoFromCode(code int) (FailInfo, error) {
	f := FailInfo(code)
	if _, ok := failInfoNames[f]; !ok {
		return 0, &DecodingError{Op: "failInfo", Err: fmt.Errorf("unknown failInfo code %d", code)}
	}
	return f, nil
}

func parseFailInfo(s string) (FailInfo, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &DecodingError{Op: "failInfo", Err: fmt.Errorf("invalid failInfo %q", s)}
	}
	return FailInfoFromCode(n)
}

// Code returns the numeric protocol code.
func (f FailInfo) Code() int { return int(f) }

// Description returns the human readable meaning of the code.
func (f FailInfo) Description() string {
	if n, ok := failInfoNames[f]; ok {
		return n[1]
	}
	return "unknown failure"
}

func (f FailInfo) String() string {
	if n, ok := failInfoNames[f]; ok {
		return n[0]
	}
	return fmt.Sprintf("FailInfo(%d)", int(f))
}
