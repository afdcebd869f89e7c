package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// maxStreamMessage предел размера сообщения в потоке, если он не задан
// конфигурацией
const maxStreamMessage = 65535

// readMessage читает одно SIP сообщение из потока: заголовки до пустой
// строки и тело длиной Content-Length. Пустые строки между сообщениями
// (CRLF keep-alive) пропускаются.
func readMessage(r *bufio.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = maxStreamMessage
	}
	var head bytes.Buffer
	contentLength := -1

	for {
		line, err := readLine(r, maxSize-head.Len())
		if err != nil {
			if err == io.EOF && head.Len() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if head.Len() == 0 {
				// keep-alive
				continue
			}
			head.WriteString("\r\n")
			break
		}

		head.WriteString(trimmed)
		head.WriteString("\r\n")
		if head.Len() > maxSize {
			return nil, ErrMessageTooLarge
		}

		if name, value, ok := strings.Cut(trimmed, ":"); ok {
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "content-length", "l":
				n, err := strconv.Atoi(strings.TrimSpace(value))
				if err != nil || n < 0 {
					return nil, fmt.Errorf("invalid content-length %q", value)
				}
				if n > maxSize {
					return nil, ErrMessageTooLarge
				}
				contentLength = n
			}
		}
	}

	if contentLength < 0 {
		return nil, ErrMissingContentLength
	}
	if contentLength > maxSize-head.Len() {
		return nil, ErrMessageTooLarge
	}

	msg := make([]byte, head.Len()+contentLength)
	copy(msg, head.Bytes())
	if _, err := io.ReadFull(r, msg[head.Len():]); err != nil {
		return nil, err
	}
	return msg, nil
}

// readLine читает строку до '\n', но не больше limit байт
func readLine(r *bufio.Reader, limit int) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > limit {
			return "", ErrMessageTooLarge
		}
		line = append(line, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		return string(line), err
	}
}

func isKeepAlive(data []byte) bool {
	return len(bytes.TrimSpace(data)) == 0
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
