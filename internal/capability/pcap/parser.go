package pcap

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
)

// libpcap 经典格式的魔数，区分字节序与时间戳精度。
const (
	magicMicrosBE = 0xa1b2c3d4
	magicMicrosLE = 0xd4c3b2a1
	magicNanosBE  = 0xa1b23c4d
	magicNanosLE  = 0x4d3cb2a1
)

const (
	etherTypeIPv4 = 0x0800
	protoICMP     = 1
	protoTCP      = 6
	protoUDP      = 17
)

// Packet 是解码后的一个数据包摘要。
type Packet struct {
	Index     int       `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Protocol  string    `json:"protocol"`
	SrcIP     string    `json:"src_ip,omitempty"`
	DstIP     string    `json:"dst_ip,omitempty"`
	SrcPort   int       `json:"src_port,omitempty"`
	DstPort   int       `json:"dst_port,omitempty"`
	Length    int       `json:"length"`
}

// parser 按 libpcap 经典格式逐条解码记录。
type parser struct {
	r     io.Reader
	order binary.ByteOrder
	nanos bool
	count int
}

func newParser(r io.Reader) (*parser, error) {
	header := make([]byte, 24)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "读取 pcap 文件头失败")
	}

	magic := binary.BigEndian.Uint32(header[:4])
	p := &parser{r: r}
	switch magic {
	case magicMicrosBE:
		p.order = binary.BigEndian
	case magicMicrosLE:
		p.order = binary.LittleEndian
	case magicNanosBE:
		p.order, p.nanos = binary.BigEndian, true
	case magicNanosLE:
		p.order, p.nanos = binary.LittleEndian, true
	default:
		return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "无法识别的 pcap 魔数: 0x%08x", magic)
	}
	return p, nil
}

// next 返回下一个数据包，文件结束时返回 io.EOF。
func (p *parser) next() (Packet, error) {
	header := make([]byte, 16)
	if _, err := io.ReadFull(p.r, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Packet{}, io.EOF
		}
		return Packet{}, fmt.Errorf("读取记录头失败: %w", err)
	}

	sec := p.order.Uint32(header[0:4])
	frac := p.order.Uint32(header[4:8])
	inclLen := p.order.Uint32(header[8:12])
	if inclLen > 1<<20 {
		return Packet{}, apperrors.Newf(apperrors.CodeInvalidArgument, "记录长度异常: %d", inclLen)
	}

	data := make([]byte, inclLen)
	if _, err := io.ReadFull(p.r, data); err != nil {
		return Packet{}, fmt.Errorf("读取记录数据失败: %w", err)
	}

	ts := time.Unix(int64(sec), 0).UTC()
	if p.nanos {
		ts = ts.Add(time.Duration(frac))
	} else {
		ts = ts.Add(time.Duration(frac) * time.Microsecond)
	}

	p.count++
	pkt := Packet{
		Index:     p.count,
		Timestamp: ts,
		Protocol:  "other",
		Length:    int(inclLen),
	}
	decodeEthernet(data, &pkt)
	return pkt, nil
}

// decodeEthernet 尽力解码以太网/IPv4/传输层字段，失败时保持 other。
func decodeEthernet(data []byte, pkt *Packet) {
	if len(data) < 14 {
		return
	}
	if binary.BigEndian.Uint16(data[12:14]) != etherTypeIPv4 {
		return
	}
	decodeIPv4(data[14:], pkt)
}

func decodeIPv4(data []byte, pkt *Packet) {
	if len(data) < 20 || data[0]>>4 != 4 {
		return
	}
	ihl := int(data[0]&0x0f) * 4
	if ihl < 20 || len(data) < ihl {
		return
	}
	pkt.SrcIP = net.IP(data[12:16]).String()
	pkt.DstIP = net.IP(data[16:20]).String()

	payload := data[ihl:]
	switch data[9] {
	case protoTCP:
		pkt.Protocol = "tcp"
		if len(payload) >= 4 {
			pkt.SrcPort = int(binary.BigEndian.Uint16(payload[0:2]))
			pkt.DstPort = int(binary.BigEndian.Uint16(payload[2:4]))
		}
	case protoUDP:
		pkt.Protocol = "udp"
		if len(payload) >= 4 {
			pkt.SrcPort = int(binary.BigEndian.Uint16(payload[0:2]))
			pkt.DstPort = int(binary.BigEndian.Uint16(payload[2:4]))
		}
	case protoICMP:
		pkt.Protocol = "icmp"
	default:
		pkt.Protocol = fmt.Sprintf("ip-%d", data[9])
	}
}
