package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/klauspost/compress/s2"
)

// 帧布局: [len uint32 BE][flag uint8][payload len 字节]
// flag 标记 payload 压缩方式
const (
	frameRaw = 0x00
	frameS2  = 0x01

	hardFrameLimit = 16 * 1024 * 1024 // 16MB hard limit
)

// FrameCodec splits a TCP byte stream into discrete frames. Reads tolerate
// arbitrarily fragmented TCP delivery (io.ReadFull over bufio); writes are
// serialized by a mutex so concurrent batch writers never interleave frames.
type FrameCodec struct {
	r *bufio.Reader
	w *bufio.Writer

	writeMu  sync.Mutex
	compress bool
	maxSize  int
}

func NewFrameCodec(conn net.Conn, maxSize int, compress bool) *FrameCodec {
	if maxSize <= 0 || maxSize > hardFrameLimit {
		maxSize = hardFrameLimit
	}
	return &FrameCodec{
		r:        bufio.NewReader(conn),
		w:        bufio.NewWriter(conn),
		compress: compress,
		maxSize:  maxSize,
	}
}

// WriteFrame 写入一个帧：先写长度与压缩标记，再写内容，最后 flush
func (c *FrameCodec) WriteFrame(payload []byte) error {
	if c == nil || c.w == nil {
		return fmt.Errorf("frame codec or writer is nil")
	}
	flag := byte(frameRaw)
	if c.compress {
		packed := s2.Encode(nil, payload)
		// 压缩不收益时保留原文
		if len(packed) < len(payload) {
			payload = packed
			flag = frameS2
		}
	}
	if len(payload) > hardFrameLimit {
		return fmt.Errorf("frame too large: %d", len(payload))
	}
	var header [5]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)))
	header[4] = flag

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(payload); err != nil {
		return err
	}
	return c.w.Flush()
}

// ReadFrame 读取一个完整帧并按需解压。只允许单个读者调用。
func (c *FrameCodec) ReadFrame() ([]byte, error) {
	if c == nil || c.r == nil {
		return nil, fmt.Errorf("frame codec or reader is nil")
	}
	var header [5]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(header[:4]))
	if n <= 0 || n > c.maxSize {
		return nil, fmt.Errorf("invalid frame size: %d (max %d)", n, c.maxSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, err
	}
	switch header[4] {
	case frameRaw:
		return buf, nil
	case frameS2:
		out, err := s2.Decode(nil, buf)
		if err != nil {
			return nil, fmt.Errorf("decompress frame: %w", err)
		}
		if len(out) > c.maxSize && c.maxSize < hardFrameLimit {
			return nil, fmt.Errorf("decompressed frame too large: %d", len(out))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown frame flag: 0x%02x", header[4])
	}
}
