package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"bugpilot/internal/shared/model"
)

// ============================================================================
// Decoder - SSE 增量解码
// ============================================================================

// MalformedRecordError 一条无法解析的 SSE 记录；解码继续进行
type MalformedRecordError struct {
	Payload string
	Err     error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed sse record %q: %v", truncatePayload(e.Payload), e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// Decoder 以推送方式解码 SSE 字节流
//
// 字节可以按任意边界切分送入：不完整的行与记录会被缓存到下一次 Feed。
// 支持 LF/CRLF 行尾、":" 注释行与多行 data（按 "\n" 拼接）。
type Decoder struct {
	buf  []byte
	data [][]byte
}

// NewDecoder 创建解码器
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed 送入一段字节，返回其中完整记录解出的事件
//
// 返回的 error 只描述无法解析的记录（*MalformedRecordError，多条时取第一条）；
// 同一批次中其余记录的事件照常返回。
func (d *Decoder) Feed(chunk []byte) ([]model.Event, error) {
	d.buf = append(d.buf, chunk...)

	var (
		events   []model.Event
		firstErr error
	)
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSuffix(d.buf[:i], []byte{'\r'})
		d.buf = d.buf[i+1:]

		if len(line) == 0 {
			ev, ok, err := d.dispatch()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if ok {
				events = append(events, ev)
			}
			continue
		}
		d.field(line)
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return events, firstErr
}

// Flush 流结束时处理最后一条未以空行结尾的记录
func (d *Decoder) Flush() ([]model.Event, error) {
	if len(d.buf) > 0 {
		d.field(bytes.TrimSuffix(d.buf, []byte{'\r'}))
		d.buf = nil
	}
	ev, ok, err := d.dispatch()
	if !ok {
		return nil, err
	}
	return []model.Event{ev}, err
}

// Pending 是否有尚未完成的记录
func (d *Decoder) Pending() bool {
	return len(d.buf) > 0 || len(d.data) > 0
}

func (d *Decoder) field(line []byte) {
	if line[0] == ':' {
		return
	}
	name, value, found := bytes.Cut(line, []byte{':'})
	if found {
		value = bytes.TrimPrefix(value, []byte{' '})
	}
	// 只关心 data 字段；event/id/retry 忽略
	if string(name) == "data" {
		d.data = append(d.data, append([]byte(nil), value...))
	}
}

func (d *Decoder) dispatch() (model.Event, bool, error) {
	if len(d.data) == 0 {
		return model.Event{}, false, nil
	}
	payload := bytes.Join(d.data, []byte{'\n'})
	d.data = nil

	var ev model.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return model.Event{}, false, &MalformedRecordError{Payload: string(payload), Err: err}
	}
	if ev.Agent == "" || ev.Type == "" {
		return model.Event{}, false, &MalformedRecordError{Payload: string(payload), Err: errMissingFields}
	}
	return ev, true, nil
}

var errMissingFields = errors.New("missing agent or type")

func truncatePayload(s string) string {
	n := 120
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
