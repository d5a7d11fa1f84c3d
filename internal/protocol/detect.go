package protocol

// Variant 连接协议类型，每个连接只判定一次
type Variant int

const (
	Unknown Variant = iota
	HTTP
	Binary
)

// MarkerLen 协议识别所需的前缀字节数
const MarkerLen = 4

// 协议魔数（流开头的4个ASCII字节）
const (
	MarkerHTTP   = "HTTP"
	MarkerBinary = "PRBF"
)

func (v Variant) String() string {
	switch v {
	case HTTP:
		return "http"
	case Binary:
		return "binary"
	default:
		return "unknown"
	}
}

// Classify 根据前4字节判定协议。
// ok=false 表示数据不足，调用方需等待更多数据后再判定（与 Unknown 区分）。
// 超出4字节的部分忽略。
func Classify(prefix []byte) (v Variant, ok bool) {
	if len(prefix) < MarkerLen {
		return Unknown, false
	}
	switch {
	case match(prefix, MarkerHTTP):
		return HTTP, true
	case match(prefix, MarkerBinary):
		return Binary, true
	}
	return Unknown, true
}

func match(prefix []byte, marker string) bool {
	return prefix[0] == marker[0] && prefix[1] == marker[1] &&
		prefix[2] == marker[2] && prefix[3] == marker[3]
}
