package iso8583

// Message type indicators used on the interbank link.
const (
	MTIAuthRequest       = "0100"
	MTIAuthResponse      = "0110"
	MTIFinancialRequest  = "0200"
	MTIFinancialResponse = "0210"
	MTIReversalRequest   = "0400"
	MTIReversalResponse  = "0410"
	MTIReversalAdvice    = "0420"
	MTIReversalAdvRsp    = "0430"
	MTINetworkRequest    = "0800"
	MTINetworkResponse   = "0810"
)

// Network management information codes (field 70).
const (
	NetSignOn      = "001"
	NetSignOff     = "002"
	NetKeyExchange = "101"
	NetEcho        = "301"
)

// Canonical field ids of the FISC schema.
const (
	FieldPAN            = "pan"
	FieldProcessingCode = "processing_code"
	FieldAmount         = "amount"
	FieldTransmission   = "transmission_datetime"
	FieldSTAN           = "stan"
	FieldLocalTime      = "local_time"
	FieldLocalDate      = "local_date"
	FieldExpiry         = "expiry"
	FieldSettleDate     = "settlement_date"
	FieldMerchantType   = "merchant_type"
	FieldPOSEntryMode   = "pos_entry_mode"
	FieldPOSCondition   = "pos_condition"
	FieldAcquiringInst  = "acquiring_inst"
	FieldForwardingInst = "forwarding_inst"
	FieldTrack2         = "track2"
	FieldRRN            = "rrn"
	FieldAuthCode       = "auth_code"
	FieldResponseCode   = "response_code"
	FieldTerminalID     = "terminal_id"
	FieldMerchantID     = "merchant_id"
	FieldMerchantName   = "merchant_name"
	FieldAdditionalRsp  = "additional_response"
	FieldAdditionalData = "additional_data"
	FieldCurrency       = "currency"
	FieldPINBlock       = "pin_block"
	FieldSecurityCtl    = "security_control"
	FieldAddAmounts     = "additional_amounts"
	FieldEMV            = "emv_data"
	FieldPrivateData    = "private_data"
	FieldTxnRef         = "txn_ref"
	FieldMAC            = "mac"
	FieldNetworkInfo    = "network_info"
	FieldOriginalData   = "original_data"
	FieldReplacementAmt = "replacement_amounts"
	FieldReceivingInst  = "receiving_inst"
	FieldAccount1       = "account_1"
	FieldAccount2       = "account_2"
	FieldMAC2           = "mac2"
)

// ResponseMTI returns the paired response indicator for a request,
// e.g. 0200 becomes 0210. Response MTIs are returned unchanged.
func ResponseMTI(mti string) string {
	if len(mti) != 4 || mti[2] != '0' {
		return mti
	}
	return mti[:2] + "1" + mti[3:]
}

// IsRequestMTI reports whether the indicator names an inbound request.
func IsRequestMTI(mti string) bool {
	return len(mti) == 4 && mti[2] == '0'
}

// NewFISCSchema builds the interbank message schema. The two-byte BCD
// frame length that precedes each message on the socket belongs to the
// connection layer, not to this schema.
func NewFISCSchema() *Schema {
	fields := []FieldDef{
		{Id: FieldPAN, Number: 2, Type: Numeric, Length: 19, LengthType: LLVar, Encoding: BCD, LengthEncoding: BCD, Sensitive: true},
		{Id: FieldProcessingCode, Number: 3, Type: Numeric, Length: 6, Encoding: BCD},
		{Id: FieldAmount, Number: 4, Type: Numeric, Length: 12, Encoding: BCD},
		{Id: FieldTransmission, Number: 7, Type: Numeric, Length: 10, Encoding: BCD},
		{Id: FieldSTAN, Number: 11, Type: Numeric, Length: 6, Encoding: BCD},
		{Id: FieldLocalTime, Number: 12, Type: Numeric, Length: 6, Encoding: BCD},
		{Id: FieldLocalDate, Number: 13, Type: Numeric, Length: 4, Encoding: BCD},
		{Id: FieldExpiry, Number: 14, Type: Numeric, Length: 4, Encoding: BCD, Sensitive: true},
		{Id: FieldSettleDate, Number: 15, Type: Numeric, Length: 4, Encoding: BCD},
		{Id: FieldMerchantType, Number: 18, Type: Numeric, Length: 4, Encoding: BCD},
		{Id: FieldPOSEntryMode, Number: 22, Type: Numeric, Length: 3, Encoding: BCD},
		{Id: FieldPOSCondition, Number: 25, Type: Numeric, Length: 2, Encoding: BCD},
		{Id: FieldAcquiringInst, Number: 32, Type: Numeric, Length: 11, LengthType: LLVar, Encoding: BCD, LengthEncoding: BCD},
		{Id: FieldForwardingInst, Number: 33, Type: Numeric, Length: 11, LengthType: LLVar, Encoding: BCD, LengthEncoding: BCD},
		{Id: FieldTrack2, Number: 35, Type: Track2, Length: 37, LengthType: LLVar, Encoding: ASCII, LengthEncoding: BCD, Sensitive: true},
		{Id: FieldRRN, Number: 37, Type: Alphanumeric, Length: 12, Encoding: ASCII},
		{Id: FieldAuthCode, Number: 38, Type: Alphanumeric, Length: 6, Encoding: ASCII},
		{Id: FieldResponseCode, Number: 39, Type: Alphanumeric, Length: 2, Encoding: ASCII},
		{Id: FieldTerminalID, Number: 41, Type: Alphanumeric, Length: 8, Encoding: ASCII},
		{Id: FieldMerchantID, Number: 42, Type: Alphanumeric, Length: 15, Encoding: ASCII},
		{Id: FieldMerchantName, Number: 43, Type: Alphanumeric, Length: 40, Encoding: EBCDIC},
		{Id: FieldAdditionalRsp, Number: 44, Type: Alphanumeric, Length: 25, LengthType: LLVar, Encoding: ASCII, LengthEncoding: BCD},
		{Id: FieldAdditionalData, Number: 48, Type: Alphanumeric, Length: 999, LengthType: LLLVar, Encoding: ASCII, LengthEncoding: BCD},
		{Id: FieldCurrency, Number: 49, Type: Numeric, Length: 3, Encoding: ASCII},
		{Id: FieldPINBlock, Number: 52, Type: Binary, Length: 8, Encoding: Raw, Sensitive: true},
		{Id: FieldSecurityCtl, Number: 53, Type: Numeric, Length: 16, Encoding: BCD},
		{Id: FieldAddAmounts, Number: 54, Type: Alphanumeric, Length: 120, LengthType: LLLVar, Encoding: ASCII, LengthEncoding: BCD},
		{Id: FieldEMV, Number: 55, Type: Binary, Length: 255, LengthType: LLLVar, Encoding: Raw, LengthEncoding: BCD, Sensitive: true},
		{Id: FieldPrivateData, Number: 60, Type: Alphanumeric, Length: 99, LengthType: LLVar, Encoding: ASCII, LengthEncoding: BCD},
		{Id: FieldTxnRef, Number: 62, Type: Alphanumeric, Length: 999, LengthType: LLLVar, Encoding: ASCII, LengthEncoding: BCD},
		{Id: FieldMAC, Number: 64, Type: Binary, Length: 8, Encoding: Raw},
		{Id: FieldNetworkInfo, Number: 70, Type: Numeric, Length: 3, Encoding: BCD},
		{Id: FieldOriginalData, Number: 90, Type: Numeric, Length: 42, Encoding: BCD},
		{Id: FieldReplacementAmt, Number: 95, Type: Numeric, Length: 42, Encoding: BCD},
		{Id: FieldReceivingInst, Number: 100, Type: Numeric, Length: 11, LengthType: LLVar, Encoding: BCD, LengthEncoding: BCD},
		{Id: FieldAccount1, Number: 102, Type: Alphanumeric, Length: 28, LengthType: LLVar, Encoding: ASCII, LengthEncoding: BCD},
		{Id: FieldAccount2, Number: 103, Type: Alphanumeric, Length: 28, LengthType: LLVar, Encoding: ASCII, LengthEncoding: BCD},
		{Id: FieldMAC2, Number: 128, Type: Binary, Length: 8, Encoding: Raw},
	}
	s, err := NewSchema("fisc", "1", nil, fields, nil)
	if err != nil {
		panic(err)
	}
	s.MTIEncoding = BCD
	return s
}
