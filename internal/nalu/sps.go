package nalu

import "errors"

var errSPSTooShort = errors.New("nalu: SPS data too short")

// bitReader reads individual bits MSB-first, adapted from the same technique
// used for H.264 exp-Golomb decoding elsewhere in this codebase's ancestry.
type bitReader struct {
	data []byte
	pos  int
	bit  int
}

func newBitReader(data []byte) *bitReader { return &bitReader{data: data} }

func (br *bitReader) readBit() (uint, error) {
	if br.pos >= len(br.data) {
		return 0, errSPSTooShort
	}
	val := uint((br.data[br.pos] >> (7 - br.bit)) & 1)
	br.bit++
	if br.bit == 8 {
		br.bit = 0
		br.pos++
	}
	return val, nil
}

func (br *bitReader) readBits(n int) (uint, error) {
	var val uint
	for i := 0; i < n; i++ {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		val = (val << 1) | b
	}
	return val, nil
}

func (br *bitReader) readUE() (uint, error) {
	zeros := 0
	for {
		b, err := br.readBit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		zeros++
		if zeros > 31 {
			return 0, errSPSTooShort
		}
	}
	if zeros == 0 {
		return 0, nil
	}
	suffix, err := br.readBits(zeros)
	if err != nil {
		return 0, err
	}
	return (1 << zeros) - 1 + suffix, nil
}

func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}

func hasChromaFormatIdc(profileIdc uint) bool {
	switch profileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	default:
		return false
	}
}

// SPSResolution parses just enough of an H.264 SPS to recover the encoded
// picture width and height, stopping before VUI parameters (which do not
// affect resolution). nal must include the NAL header byte, without the
// Annex B start code.
func SPSResolution(nal []byte) (width, height int, err error) {
	if len(nal) < 4 {
		return 0, 0, errSPSTooShort
	}

	rbsp := removeEmulationPrevention(nal[1:])
	br := newBitReader(rbsp)

	profileIdc, err := br.readBits(8)
	if err != nil {
		return 0, 0, err
	}
	if _, err := br.readBits(8); err != nil { // constraint flags
		return 0, 0, err
	}
	if _, err := br.readBits(8); err != nil { // level_idc
		return 0, 0, err
	}
	if _, err := br.readUE(); err != nil { // seq_parameter_set_id
		return 0, 0, err
	}

	chromaFormatIdc := uint(1)
	separateColourPlane := false

	if hasChromaFormatIdc(profileIdc) {
		chromaFormatIdc, err = br.readUE()
		if err != nil {
			return 0, 0, err
		}
		if chromaFormatIdc == 3 {
			v, err := br.readBits(1)
			if err != nil {
				return 0, 0, err
			}
			separateColourPlane = v == 1
		}
		if _, err := br.readUE(); err != nil { // bit_depth_luma_minus8
			return 0, 0, err
		}
		if _, err := br.readUE(); err != nil { // bit_depth_chroma_minus8
			return 0, 0, err
		}
		if _, err := br.readBits(1); err != nil { // qpprime_y_zero_transform_bypass_flag
			return 0, 0, err
		}
		scalingMatrixPresent, err := br.readBits(1)
		if err != nil {
			return 0, 0, err
		}
		if scalingMatrixPresent == 1 {
			return 0, 0, errors.New("nalu: SPS with scaling matrix not supported")
		}
	}

	if _, err := br.readUE(); err != nil { // log2_max_frame_num_minus4
		return 0, 0, err
	}
	picOrderCntType, err := br.readUE()
	if err != nil {
		return 0, 0, err
	}
	switch picOrderCntType {
	case 0:
		if _, err := br.readUE(); err != nil {
			return 0, 0, err
		}
	case 1:
		return 0, 0, errors.New("nalu: SPS with pic_order_cnt_type 1 not supported")
	}

	if _, err := br.readUE(); err != nil { // max_num_ref_frames
		return 0, 0, err
	}
	if _, err := br.readBits(1); err != nil { // gaps_in_frame_num_value_allowed_flag
		return 0, 0, err
	}

	picWidthMbs, err := br.readUE()
	if err != nil {
		return 0, 0, err
	}
	picHeightMapUnits, err := br.readUE()
	if err != nil {
		return 0, 0, err
	}

	frameMbsOnly, err := br.readBits(1)
	if err != nil {
		return 0, 0, err
	}
	if frameMbsOnly == 0 {
		if _, err := br.readBits(1); err != nil { // mb_adaptive_frame_field_flag
			return 0, 0, err
		}
	}
	if _, err := br.readBits(1); err != nil { // direct_8x8_inference_flag
		return 0, 0, err
	}

	var cropLeft, cropRight, cropTop, cropBottom uint
	frameCroppingFlag, err := br.readBits(1)
	if err != nil {
		return 0, 0, err
	}
	if frameCroppingFlag == 1 {
		if cropLeft, err = br.readUE(); err != nil {
			return 0, 0, err
		}
		if cropRight, err = br.readUE(); err != nil {
			return 0, 0, err
		}
		if cropTop, err = br.readUE(); err != nil {
			return 0, 0, err
		}
		if cropBottom, err = br.readUE(); err != nil {
			return 0, 0, err
		}
	}

	chromaArrayType := chromaFormatIdc
	if separateColourPlane {
		chromaArrayType = 0
	}
	var subWidthC, subHeightC uint
	switch chromaArrayType {
	case 1:
		subWidthC, subHeightC = 2, 2
	case 2:
		subWidthC, subHeightC = 2, 1
	default:
		subWidthC, subHeightC = 1, 1
	}

	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)

	width = int((picWidthMbs+1)*16 - cropUnitX*(cropLeft+cropRight))
	height = int((picHeightMapUnits+1)*16*(2-frameMbsOnly) - cropUnitY*(cropTop+cropBottom))
	return width, height, nil
}
