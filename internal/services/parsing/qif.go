package parsing

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"

	"bank-reconciliation-backend/internal/apperr"
	"bank-reconciliation-backend/internal/models"
)

// QIFParser reads Quicken Interchange Format bank sections. Record codes it
// does not map are kept in metadata under "qif_<code>".
type QIFParser struct{}

func (p *QIFParser) Family() models.FormatFamily { return models.FamilyQIF }

type qifRecord struct {
	line   int
	fields map[byte][]string
	raw    []string
}

func (p *QIFParser) Parse(ctx context.Context, content []byte, cfg *models.FormatConfiguration) (*Result, error) {
	res := &Result{Metadata: map[string]string{}}
	nf := NumberFormatFor(cfg)
	if cfg == nil || cfg.ThousandsSeparator == "" && cfg.DecimalSeparator == "" {
		nf = NumberFormat{Decimal: '.', Thousands: ','}
	}
	order := dateOrderFor(cfg)
	if order == "" {
		order = OrderMDY
	}
	layout := dateLayoutFor(cfg)

	var records []*qifRecord
	var cur *qifRecord
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line[0] == '!' {
			if k, v, ok := strings.Cut(line[1:], ":"); ok {
				res.Metadata[strings.ToLower(k)] = v
			} else {
				res.Metadata[strings.ToLower(line[1:])] = "true"
			}
			continue
		}
		if line[0] == '^' {
			if cur != nil {
				records = append(records, cur)
				cur = nil
			}
			continue
		}
		if cur == nil {
			cur = &qifRecord{line: lineNo, fields: map[byte][]string{}}
		}
		cur.fields[line[0]] = append(cur.fields[line[0]], strings.TrimSpace(line[1:]))
		cur.raw = append(cur.raw, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.NewParseError(apperr.ParseMalformed, "reading qif: %v", err)
	}
	if cur != nil {
		records = append(records, cur)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if t := res.Metadata["type"]; t != "" && !qifBankType(t) {
		return nil, apperr.NewParseError(apperr.ParseMalformed, "qif section %q is not a bank account", t)
	}

	currency := ""
	if cfg != nil {
		currency = strings.ToUpper(cfg.DefaultCurrency)
	}
	for _, r := range records {
		tx, err := qifTransaction(r, nf, layout, order, currency)
		if err != nil {
			res.skip(r.line, strings.Join(r.raw, " "), err)
			continue
		}
		res.Rows = append(res.Rows, tx)
	}
	return finish(res, models.FamilyQIF)
}

func qifBankType(t string) bool {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "bank", "cash", "ccard", "oth a", "oth l":
		return true
	}
	return false
}

func qifTransaction(r *qifRecord, nf NumberFormat, layout string, order DateOrder, currency string) (RawTransaction, error) {
	first := func(code byte) string {
		if v := r.fields[code]; len(v) > 0 {
			return v[0]
		}
		return ""
	}

	dateText := first('D')
	if dateText == "" {
		return RawTransaction{}, fmt.Errorf("record has no date")
	}
	date, err := ParseDate(strings.ReplaceAll(dateText, "'", "/"), layout, order)
	if err != nil {
		return RawTransaction{}, err
	}

	amountText := firstNonEmpty(first('T'), first('U'))
	if amountText == "" {
		return RawTransaction{}, fmt.Errorf("record has no amount")
	}
	amount, err := ParseAmount(amountText, nf)
	if err != nil {
		return RawTransaction{}, err
	}

	meta := map[string]string{}
	for code, vals := range r.fields {
		switch code {
		case 'D', 'T', 'U', 'P':
			continue
		case 'M':
			meta["memo"] = strings.Join(vals, " ")
		case 'N':
			meta["number"] = vals[0]
		case 'L':
			meta["category"] = vals[0]
		case 'C':
			meta["cleared"] = vals[0]
		case 'A':
			meta["address"] = strings.Join(vals, ", ")
		default:
			meta["qif_"+string(code)] = strings.Join(vals, " | ")
		}
	}

	desc := firstNonEmpty(first('P'), first('M'))
	typ := InferType(desc, amount)
	if strings.HasPrefix(first('L'), "[") {
		// a bracketed category names another account
		typ = models.TxTransfer
	}

	return RawTransaction{
		Line:        r.line,
		Date:        date,
		Description: desc,
		Amount:      amount,
		Currency:    currency,
		Type:        typ,
		Reference:   first('N'),
		Metadata:    meta,
	}, nil
}
