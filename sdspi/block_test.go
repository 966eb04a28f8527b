package sdspi

import (
	"bytes"
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
)

func TestCard_ReceiveBlock(t *testing.T) {
	tests := []struct {
		name      string
		length    int
		responses []byte
		wantData  []byte
		wantCRC   bool
		wantErr   error
	}{
		{
			name:      "block after a few polls",
			length:    4,
			responses: []byte{0xFF, 0xFF, 0xFE, 1, 2, 3, 4},
			wantData:  []byte{1, 2, 3, 4},
			wantCRC:   true,
		},
		{
			name:      "data error token",
			length:    4,
			responses: []byte{0xFF, 0x08},
			wantErr:   ErrDataToken,
		},
		{
			name:    "odd length",
			length:  3,
			wantErr: ErrOddLength,
		},
		{
			name:      "no token",
			length:    2,
			responses: bytes.Repeat([]byte{0xFF}, 100),
			wantErr:   ErrTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockCtrl := gomock.NewController(t)
			defer mockCtrl.Finish()

			bus := NewMockBus(mockCtrl)
			var calls []*gomock.Call
			for _, b := range tt.responses {
				calls = append(calls, bus.EXPECT().ReadByte().Return(b, nil))
			}
			if tt.wantCRC {
				calls = append(calls, bus.EXPECT().WriteByte(byte(0xFF)).Return(nil).Times(2))
			}
			if len(calls) > 0 {
				gomock.InOrder(calls...)
			}

			c := New(bus, testConfig())
			dst := make([]byte, tt.length)
			err := c.ReceiveBlock(dst)
			if !errors.Is(err, tt.wantErr) || (err == nil) != (tt.wantErr == nil) {
				t.Fatalf("Card.ReceiveBlock() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && !bytes.Equal(dst, tt.wantData) {
				t.Errorf("Card.ReceiveBlock() data = %v, want %v", dst, tt.wantData)
			}
		})
	}
}

func TestCard_ReadBlock_bufferSize(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	c := New(NewMockBus(mockCtrl), testConfig())
	if err := c.ReadBlock(0, make([]byte, 256)); err == nil {
		t.Error("Card.ReadBlock() with a short buffer did not fail")
	}
}

func TestCard_address(t *testing.T) {
	tests := []struct {
		typ  CardType
		lba  uint32
		want uint32
	}{
		{typ: CardSDHC, lba: 8192, want: 8192},
		{typ: CardSDv2, lba: 8192, want: 8192 * 512},
		{typ: CardSDv1, lba: 3, want: 1536},
		{typ: CardMMC, lba: 1, want: 512},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			c := &Card{typ: tt.typ}
			if got := c.address(tt.lba); got != tt.want {
				t.Errorf("Card.address() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCSD_Capacity(t *testing.T) {
	tests := []struct {
		name        string
		csd         CSD
		wantVersion int
		want        int64
	}{
		{
			name:        "version 2, 1GiB",
			csd:         CSD{0: 0x40, 5: 0x09, 8: 0x07, 9: 0xFF},
			wantVersion: 1,
			want:        1 << 30,
		},
		{
			name:        "version 2, 32GiB",
			csd:         CSD{0: 0x40, 7: 0x00, 8: 0xFF, 9: 0xFF},
			wantVersion: 1,
			want:        32 << 30,
		},
		{
			name:        "version 1, 1GiB",
			csd:         CSD{5: 0x09, 6: 0x03, 7: 0xFF, 8: 0xC0, 9: 0x03, 10: 0x80},
			wantVersion: 0,
			want:        1 << 30,
		},
		{
			name:        "version 1, 64MiB",
			csd:         CSD{5: 0x09, 6: 0x00, 7: 0x3F, 8: 0xC0, 9: 0x03, 10: 0x80},
			wantVersion: 0,
			want:        64 << 20,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.csd.Version(); got != tt.wantVersion {
				t.Errorf("CSD.Version() = %d, want %d", got, tt.wantVersion)
			}
			if got := tt.csd.Capacity(); got != tt.want {
				t.Errorf("CSD.Capacity() = %d, want %d", got, tt.want)
			}
		})
	}
}
