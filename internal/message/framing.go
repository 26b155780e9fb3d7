package message

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tacnode/warcmitm/pkg/proxyconf"
)

// decideFraming applies the HTTP/1.1 body-framing rules once a message's
// start line and headers are fully known.
func decideFraming(isRequest bool, method string, start StartLine, headers *Headers) (BodyFraming, error) {
	length, hasLength, err := contentLength(headers)
	if err != nil {
		return BodyFraming{}, err
	}
	chunkedEncoding := headers.HasToken("Transfer-Encoding", "chunked")

	if isRequest {
		reqMethod := start.Method
		if (reqMethod == "GET" || reqMethod == "HEAD" || reqMethod == "DELETE") && !hasLength && !chunkedEncoding {
			return BodyFraming{Kind: BodyNone}, nil
		}
		if chunkedEncoding {
			return BodyFraming{Kind: BodyChunkedEncoding}, nil
		}
		if hasLength {
			return BodyFraming{Kind: BodyFixedLength, Length: length}, nil
		}
		return BodyFraming{Kind: BodyNone}, nil
	}

	// Response framing: 1xx, 204, 304, and any response to HEAD are always
	// empty regardless of what the headers claim.
	if isAlwaysEmptyResponse(start.StatusCode, method) {
		return BodyFraming{Kind: BodyNone}, nil
	}
	if chunkedEncoding {
		return BodyFraming{Kind: BodyChunkedEncoding}, nil
	}
	if hasLength {
		return BodyFraming{Kind: BodyFixedLength, Length: length}, nil
	}
	return BodyFraming{Kind: BodyUntilClose}, nil
}

func isAlwaysEmptyResponse(status int, method string) bool {
	if status >= 100 && status < 200 {
		return true
	}
	if status == 204 || status == 304 {
		return true
	}
	return strings.EqualFold(method, "HEAD")
}

// contentLength returns the declared length if a unique Content-Length is
// present. Multiple headers with conflicting values are a protocol error;
// multiple headers with the same value are tolerated.
func contentLength(headers *Headers) (int64, bool, error) {
	values := headers.Values("Content-Length")
	if len(values) == 0 {
		return 0, false, nil
	}

	first := strings.TrimSpace(values[0])
	n, err := strconv.ParseInt(first, 10, 64)
	if err != nil || n < 0 {
		return 0, false, fmt.Errorf("message: invalid Content-Length %q", values[0])
	}
	if n > proxyconf.MaxContentLength {
		return 0, false, fmt.Errorf("message: Content-Length %d exceeds %d byte cap", n, proxyconf.MaxContentLength)
	}

	for _, v := range values[1:] {
		if strings.TrimSpace(v) != first {
			return 0, false, fmt.Errorf("message: conflicting Content-Length values %q and %q", values[0], v)
		}
	}

	return n, true, nil
}
