package flexfec

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/pion/sdp/v3"
)

// URI расширений RTP заголовка, используемых для оценки пропускной способности (BWE).
// Только они переносятся в FEC пакеты.
const (
	TransportSequenceNumberURI = sdp.TransportCCURI
	AbsoluteSendTimeURI        = sdp.ABSSendTimeURI
	TransmissionOffsetURI      = "urn:ietf:params:rtp-hdrext:toffset"
)

// Диапазон идентификаторов one-byte расширений (RFC 8285)
const (
	minExtensionID = 1
	maxExtensionID = 14

	oneByteHeaderLength = 4
)

// RTPExtension согласованное расширение RTP заголовка
type RTPExtension struct {
	URI string
	ID  int
}

func (e RTPExtension) String() string {
	return fmt.Sprintf("{uri: %s, id: %d}", e.URI, e.ID)
}

// ExtensionsFromSDP преобразует согласованные a=extmap атрибуты в список расширений
func ExtensionsFromSDP(maps []sdp.ExtMap) []RTPExtension {
	out := make([]RTPExtension, 0, len(maps))
	for _, m := range maps {
		if m.URI == nil {
			continue
		}
		out = append(out, RTPExtension{URI: m.URI.String(), ID: m.Value})
	}
	return out
}

// extensionType известные BWE расширения
type extensionType int

const (
	extensionTransportSequenceNumber extensionType = iota
	extensionAbsoluteSendTime
	extensionTransmissionOffset
)

// размер значения расширения в байтах
func (t extensionType) valueSize() int {
	switch t {
	case extensionTransportSequenceNumber:
		return 2
	default:
		return 3
	}
}

func extensionTypeFromURI(uri string) (extensionType, bool) {
	switch uri {
	case TransportSequenceNumberURI:
		return extensionTransportSequenceNumber, true
	case AbsoluteSendTimeURI:
		return extensionAbsoluteSendTime, true
	case TransmissionOffsetURI:
		return extensionTransmissionOffset, true
	default:
		return 0, false
	}
}

// extensionMap зарегистрированные BWE расширения: тип -> идентификатор
type extensionMap map[extensionType]uint8

// registerBWEExtensions регистрирует только BWE расширения. Остальные расширения
// и некорректные идентификаторы логируются и игнорируются.
func registerBWEExtensions(extensions []RTPExtension, logger *slog.Logger) extensionMap {
	m := make(extensionMap)
	used := make(map[int]bool)

	for _, ext := range extensions {
		t, ok := extensionTypeFromURI(ext.URI)
		if !ok {
			logger.Info("FlexFEC поддерживает только BWE расширения RTP заголовка, расширение не будет использовано",
				slog.String("extension", ext.String()))
			continue
		}
		if ext.ID < minExtensionID || ext.ID > maxExtensionID || used[ext.ID] {
			logger.Warn("некорректный идентификатор расширения, расширение не будет использовано",
				slog.String("extension", ext.String()))
			continue
		}
		if _, exists := m[t]; exists {
			continue
		}
		m[t] = uint8(ext.ID)
		used[ext.ID] = true
	}

	return m
}

// totalLength возвращает размер блока расширений в байтах (one-byte формат,
// выравнивание до 4 байт) или 0, если расширений нет
func (m extensionMap) totalLength() int {
	values := 0
	for t := range m {
		values += 1 + t.valueSize()
	}
	if values == 0 {
		return 0
	}
	size := oneByteHeaderLength + values
	return (size + 3) &^ 3
}

// sorted возвращает зарегистрированные расширения в порядке возрастания идентификаторов
func (m extensionMap) sorted() []extensionType {
	types := make([]extensionType, 0, len(m))
	for t := range m {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return m[types[i]] < m[types[j]] })
	return types
}
